// Command stvm loads and inspects Spur-format Smalltalk images. It keeps
// the teacher's os.Args switch-dispatch CLI shape (cmd/smog/main.go),
// retargeted from smog's run/compile/disassemble/repl to an image-file
// VM's own operator surface: run, disasm, inspect, version, help.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kristofer/stvm/pkg/bytecode"
	"github.com/kristofer/stvm/pkg/image"
	"github.com/kristofer/stvm/pkg/interp"
	"github.com/kristofer/stvm/pkg/memory"
	"github.com/kristofer/stvm/pkg/oop"
	"github.com/kristofer/stvm/pkg/primitive"
	"github.com/kristofer/stvm/pkg/sched"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		fmt.Printf("stvm version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	case "inspect":
		if len(os.Args) < 3 {
			fmt.Println("Error: no image specified")
			fmt.Println("\nUsage: stvm inspect <image file>")
			os.Exit(1)
		}
		inspectImage(os.Args[2])
	case "disasm":
		if len(os.Args) < 4 {
			fmt.Println("Error: disasm needs an image and a method address")
			fmt.Println("\nUsage: stvm disasm <image file> <method address hex>")
			os.Exit(1)
		}
		disasmMethod(os.Args[2], os.Args[3])
	case "run":
		if len(os.Args) < 3 {
			fmt.Println("Error: no image specified")
			fmt.Println("\nUsage: stvm run <image file>")
			os.Exit(1)
		}
		runImage(os.Args[2])
	default:
		fmt.Printf("Error: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("stvm - a Spur-format Smalltalk virtual machine")
	fmt.Println("\nUsage:")
	fmt.Println("  stvm run <image>                Load an image and run its active process")
	fmt.Println("  stvm disasm <image> <addr>       Disassemble the CompiledMethod at addr (hex)")
	fmt.Println("  stvm inspect <image>             Print image-header and special-objects facts")
	fmt.Println("  stvm version                     Show version")
	fmt.Println("  stvm help                        Show this help")
}

// loadMemory loads path and wraps its object space in a fresh Memory,
// reserving youngBytes of headroom past the image's own data for new
// allocations a running process might make (spec.md §4.1).
func loadMemory(path string, youngBytes uint64) (*image.Image, *memory.Memory, error) {
	img, err := image.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := img.Verify(); err != nil {
		return nil, nil, err
	}
	mem := memory.New(memory.Config{
		Base:        img.Header.OldBaseAddress,
		ObjectSpace: img.ObjectSpace,
		YoungBytes:  youngBytes,
	})
	return img, mem, nil
}

// bootstrapClassTable resolves the image's nil/true singletons and
// populates mem's class table from the image's own resident class-table
// object graph (pkg/memory's LocateClassTable/LoadClassTable), so ClassOf
// and every class-dependent send can resolve against real image classes
// rather than only the fixture classes pkg/asmlang builds for tests.
func bootstrapClassTable(mem *memory.Memory, specials *memory.SpecialObjects) error {
	nilOOP, err := specials.Nil()
	if err != nil {
		return fmt.Errorf("resolving nil: %w", err)
	}
	mem.ClassTable().NilOOP = nilOOP
	trueOOP, err := specials.True()
	if err != nil {
		return fmt.Errorf("resolving true: %w", err)
	}
	if err := mem.BootstrapClassTable(trueOOP); err != nil {
		return fmt.Errorf("locating class table: %w", err)
	}
	return nil
}

func inspectImage(path string) {
	img, mem, err := loadMemory(path, 1<<20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm inspect: %v\n", err)
		os.Exit(1)
	}
	h := img.Header
	fmt.Printf("image version:     %d\n", h.ImageVersion)
	fmt.Printf("header size:        %d bytes\n", h.HeaderSize)
	fmt.Printf("data size:          %d bytes\n", h.DataSize)
	fmt.Printf("old base address:   %#x\n", h.OldBaseAddress)
	fmt.Printf("special objects:    %#x\n", h.SpecialObjectsOOP)
	fmt.Printf("saved window size:  %d\n", h.SavedWindowSize)
	fmt.Printf("eden bytes:         %d\n", h.EdenBytes)
	fmt.Printf("object space digest: %x\n", img.Digest)

	specials, err := memory.NewSpecialObjects(mem, oop.FromAddress(h.SpecialObjectsOOP))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm inspect: special objects array: %v\n", err)
		os.Exit(1)
	}
	if nilOOP, err := specials.Nil(); err == nil {
		fmt.Printf("nil oop:            %#x\n", nilOOP.Address())
	}
	if falseOOP, err := specials.False(); err == nil {
		fmt.Printf("false oop:          %#x\n", falseOOP.Address())
	}
	if trueOOP, err := specials.True(); err == nil {
		fmt.Printf("true oop:           %#x\n", trueOOP.Address())
	}
	if assoc, err := specials.SchedulerAssociation(); err == nil {
		fmt.Printf("scheduler assoc:    %#x\n", assoc.Address())
	}

	if err := bootstrapClassTable(mem, specials); err != nil {
		fmt.Printf("\nclass table:        not resolved (%v)\n", err)
		return
	}
	fmt.Printf("class table pages:  %d\n", len(mem.ClassTable().ResidentPages()))
}

func disasmMethod(path, addrHex string) {
	_, mem, err := loadMemory(path, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm disasm: %v\n", err)
		os.Exit(1)
	}
	addrHex = strings.TrimPrefix(addrHex, "0x")
	addr, err := strconv.ParseUint(addrHex, 16, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm disasm: %q is not a hex address: %v\n", addrHex, err)
		os.Exit(1)
	}
	obj, err := mem.ObjectAt(oop.FromAddress(addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm disasm: %v\n", err)
		os.Exit(1)
	}
	meth, err := mem.DecodeMethod(obj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm disasm: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("CompiledMethod at %#x: %d args, %d temps, %d literals, primitive=%v\n",
		addr, meth.Header.NumArgs, meth.Header.NumTemps, meth.Header.NumLiterals, meth.Header.HasPrimitive)
	for _, line := range bytecode.Disassemble(meth.Bytecode) {
		fmt.Println("  " + line)
	}
}

// runImage loads path, locates and loads its class table, resolves the
// active process off the scheduler association, and resumes it.
func runImage(path string) {
	img, mem, err := loadMemory(path, 1<<20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm run: %v\n", err)
		os.Exit(1)
	}

	specials, err := memory.NewSpecialObjects(mem, oop.FromAddress(img.Header.SpecialObjectsOOP))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm run: special objects array: %v\n", err)
		os.Exit(1)
	}
	if err := bootstrapClassTable(mem, specials); err != nil {
		fmt.Fprintf(os.Stderr, "stvm run: %v\n", err)
		os.Exit(1)
	}

	scheduler := sched.New(mem, mem.ClassTable().NilOOP)
	vm, err := interp.NewVM(mem, scheduler, oop.FromAddress(img.Header.SpecialObjectsOOP))
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm run: %v\n", err)
		os.Exit(1)
	}
	primitive.Register(vm)

	activeProc, initialCtx, err := activeProcessContext(vm, specials)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm run: %v\n", err)
		os.Exit(1)
	}

	result, err := vm.Run(activeProc, initialCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stvm run: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%#x\n", uint64(result))
}

// activeProcessContext resolves the scheduler singleton's activeProcess
// slot (spec.md §5: "the process scheduler... exposes... activeProcess")
// off the special-objects array's scheduler association, then dehydrates
// that process's suspendedContext into a native continuation vm.Run can
// resume (interp.VM.DehydrateContext).
func activeProcessContext(vm *interp.VM, specials *memory.SpecialObjects) (oop.OOP, *interp.Context, error) {
	assocOOP, err := specials.SchedulerAssociation()
	if err != nil {
		return 0, nil, fmt.Errorf("scheduler association: %w", err)
	}
	assocObj, err := vm.Mem.ObjectAt(assocOOP)
	if err != nil {
		return 0, nil, fmt.Errorf("scheduler association: %w", err)
	}
	schedulerObj, err := vm.Mem.Slot(assocObj, sched.AssociationSlotValue)
	if err != nil {
		return 0, nil, fmt.Errorf("scheduler singleton: %w", err)
	}
	activeProc, err := vm.Mem.Slot(schedulerObj, sched.ProcessSchedulerSlotActiveProcess)
	if err != nil {
		return 0, nil, fmt.Errorf("active process slot: %w", err)
	}
	ctxSlot, err := vm.Mem.Slot(activeProc, sched.ProcessSlotSuspendedContext)
	if err != nil {
		return 0, nil, fmt.Errorf("active process suspended context: %w", err)
	}
	ctx, err := vm.DehydrateContext(ctxSlot.OOP)
	if err != nil {
		return 0, nil, fmt.Errorf("resuming active process: %w", err)
	}
	if ctx == nil {
		return 0, nil, fmt.Errorf("active process has no suspended context to resume")
	}
	return activeProc.OOP, ctx, nil
}
