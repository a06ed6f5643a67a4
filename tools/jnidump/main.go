// jnidump compiles a single JNI stub from a shorty and a set of method
// attributes and prints the frame metadata, the macro-op trace (unless
// --no-trace) and, with --hex, a hex dump of the encoded bytes.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"j5.nz/jnistub/compiler"
)

type dumpFlags struct {
	isa            string
	shorty         string
	static         bool
	synchronized   bool
	fastNative     bool
	criticalNative bool
	readBarrier    string
	hex            bool
	noTrace        bool
	verbose        bool
}

func main() {
	flags := &dumpFlags{}
	root := &cobra.Command{
		Use:   "jnidump",
		Short: "Compile one JNI stub and dump its trace and code bytes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
		SilenceUsage: true,
	}
	fs := root.Flags()
	fs.StringVar(&flags.isa, "isa", "x86_64", "target instruction set (x86, x86_64, arm64)")
	fs.StringVar(&flags.shorty, "shorty", "V", "method shorty (return type first)")
	fs.BoolVar(&flags.static, "static", false, "compile a static method")
	fs.BoolVar(&flags.synchronized, "synchronized", false, "compile a synchronized method")
	fs.BoolVar(&flags.fastNative, "fast-native", false, "compile a fast-native method")
	fs.BoolVar(&flags.criticalNative, "critical-native", false, "compile a critical-native method")
	fs.StringVar(&flags.readBarrier, "read-barrier", "baker", "read barrier kind (none, slow, baker)")
	fs.BoolVar(&flags.hex, "hex", false, "dump the encoded bytes")
	fs.BoolVar(&flags.noTrace, "no-trace", false, "suppress the macro-op trace")
	fs.BoolVarP(&flags.verbose, "verbose", "v", false, "verbose compiler logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseISA(name string) (compiler.InstructionSet, error) {
	switch name {
	case "x86":
		return compiler.ISAX86, nil
	case "x86_64", "x64", "amd64":
		return compiler.ISAX86_64, nil
	case "arm64", "aarch64":
		return compiler.ISAArm64, nil
	}
	return compiler.ISANone, fmt.Errorf("unknown instruction set %q", name)
}

func parseReadBarrier(name string) (compiler.ReadBarrierKind, error) {
	switch name {
	case "none":
		return compiler.ReadBarrierNone, nil
	case "slow":
		return compiler.ReadBarrierSlow, nil
	case "baker":
		return compiler.ReadBarrierBaker, nil
	}
	return compiler.ReadBarrierNone, fmt.Errorf("unknown read barrier kind %q", name)
}

func run(flags *dumpFlags) error {
	isa, err := parseISA(flags.isa)
	if err != nil {
		return err
	}
	rb, err := parseReadBarrier(flags.readBarrier)
	if err != nil {
		return err
	}

	log := logrus.New()
	if flags.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	accessFlags := compiler.AccNative
	if flags.static {
		accessFlags |= compiler.AccStatic
	}
	if flags.synchronized {
		accessFlags |= compiler.AccSynchronized
	}
	if flags.fastNative {
		accessFlags |= compiler.AccFastNative
	}
	if flags.criticalNative {
		accessFlags |= compiler.AccCriticalNative
	}
	attrs, err := compiler.ParseMethodAttributes(accessFlags, flags.shorty)
	if err != nil {
		return err
	}

	opts := &compiler.CompilerOptions{
		InstructionSet:    isa,
		ReadBarrier:       rb,
		GenerateDebugInfo: true,
		RecordTrace:       !flags.noTrace,
		Logger:            log,
	}
	method, err := compiler.CompileJniStubForAttributes(opts, attrs)
	if err != nil {
		return err
	}

	heading := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgYellow)

	heading.Printf("JNI stub: %s %s\n", describeAttrs(attrs), flags.shorty)
	label.Print("isa:            ")
	fmt.Println(method.InstructionSet)
	label.Print("code size:      ")
	fmt.Printf("%d bytes\n", len(method.Code))
	label.Print("frame size:     ")
	fmt.Printf("%d bytes\n", method.FrameSize)
	label.Print("core spills:    ")
	fmt.Printf("%#08x\n", method.CoreSpillMask)
	label.Print("fp spills:      ")
	fmt.Printf("%#08x\n", method.FpSpillMask)
	label.Print("cfi size:       ")
	fmt.Printf("%d bytes\n", len(method.CFI))

	if !flags.noTrace {
		heading.Println("\nmacro-op trace:")
		for i, op := range method.Trace {
			indent := "  "
			if strings.HasPrefix(op, "Bind(") {
				indent = " "
			}
			fmt.Printf("%4d%s%s\n", i, indent, op)
		}
	}

	if flags.hex {
		heading.Println("\ncode bytes:")
		dumpHex(method.Code)
	}
	return nil
}

func describeAttrs(attrs *compiler.MethodAttributes) string {
	var parts []string
	if attrs.IsStatic {
		parts = append(parts, "static")
	} else {
		parts = append(parts, "instance")
	}
	if attrs.IsSynchronized {
		parts = append(parts, "synchronized")
	}
	switch {
	case attrs.IsFastNative:
		parts = append(parts, "fast-native")
	case attrs.IsCriticalNative:
		parts = append(parts, "critical-native")
	default:
		parts = append(parts, "native")
	}
	return strings.Join(parts, " ")
}

func dumpHex(code []byte) {
	for off := 0; off < len(code); off += 16 {
		end := off + 16
		if end > len(code) {
			end = len(code)
		}
		var hexParts []string
		for _, b := range code[off:end] {
			hexParts = append(hexParts, fmt.Sprintf("%02x", b))
		}
		fmt.Printf("  %04x  %s\n", off, strings.Join(hexParts, " "))
	}
}
