// Command kpack-inspect prints the architectures, binaries, and per-kernel
// sizes of a kpack archive, for debugging archives produced by the build
// toolchain without needing a GPU runtime.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/rocm/kpack"
)

func main() {
	verbose := flag.Bool("v", false, "print per-kernel sizes")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] <archive.kpack>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	if err := run(path, *verbose); err != nil {
		slog.Error("kpack-inspect failed", "path", path, "err", err)
		os.Exit(1)
	}
}

func run(path string, verbose bool) error {
	a, err := kpack.OpenArchive(path)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("%s\n", path)
	fmt.Printf("  architectures (%d):\n", a.ArchitectureCount())
	a.EnumerateArchitectures(func(arch string) bool {
		fmt.Printf("    %s\n", arch)
		return true
	})

	fmt.Printf("  binaries (%d):\n", a.BinaryCount())
	for i := 0; i < a.BinaryCount(); i++ {
		name, err := a.Binary(i)
		if err != nil {
			return err
		}
		fmt.Printf("    %s\n", name)
		if !verbose {
			continue
		}
		a.EnumerateArchitectures(func(arch string) bool {
			buf, err := a.GetKernel(name, arch)
			if err != nil {
				fmt.Printf("      %s: %v\n", arch, err)
				return true
			}
			fmt.Printf("      %s: %d bytes\n", arch, len(buf))
			return true
		})
	}
	return nil
}
