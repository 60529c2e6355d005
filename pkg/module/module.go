// Package module implements the §4.7 module loader: name validation, a
// VFS-backed module path list, parse+compile+run of a module's top
// level, caching, and the partial-module strategy for import cycles.
//
// The teacher (kristofer-smog) has no import system at all; this is
// grounded on two other pack repos instead (per SPEC_FULL's package
// map): probe-lang's module/import shape (a name resolved against an
// ordered search path, cached by name) and rgehrsitz-rex's runtime
// fact/registry pattern (a flat name->value table populated once and
// looked up by later consumers) for how a loaded module's exports end
// up addressable by name. Loader implements vm.Importer so pkg/vm
// never imports this package (module already imports vm to run a
// module's top level; the reverse would cycle).
package module

import (
	"regexp"
	"strings"

	"github.com/kristofer/ember/pkg/compiler"
	"github.com/kristofer/ember/pkg/errs"
	"github.com/kristofer/ember/pkg/parser"
	"github.com/kristofer/ember/pkg/value"
	"github.com/kristofer/ember/pkg/vfs"
	"github.com/kristofer/ember/pkg/vm"
	"github.com/rs/zerolog"
)

const moduleExt = ".ember"

// validName restricts module names to plain identifiers: no path
// separators, no "..", no leading "-". Stricter than the letter of
// §4.7's "reject names containing /, \, .., leading -, or non-printable
// characters", but every string it accepts also satisfies that rule,
// and nothing in the spec's own examples names a module any other way.
var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Loader resolves, compiles, runs, and caches modules for one VM. It is
// installed as that VM's Importer so OpImport (§4.4) routes here.
type Loader struct {
	vm      *vm.VM
	vfs     *vfs.VFS
	paths   []string
	loading map[string]bool
	log     zerolog.Logger
}

// New creates a Loader and wires it in as vm's Importer.
func New(v *vm.VM) *Loader {
	l := &Loader{vm: v, vfs: v.VFS(), loading: make(map[string]bool), log: zerolog.Nop()}
	v.Importer = l
	return l
}

// SetLogger attaches a structured logger for cache-hit/cycle/load
// diagnostics, following the VM's own zerolog convention.
func (l *Loader) SetLogger(log zerolog.Logger) { l.log = log }

// AddModulePath registers a directory (already mounted in the VFS)
// modules resolve against, in search order (§4.7 add_module_path).
func (l *Loader) AddModulePath(dir string) *errs.Error {
	if strings.Contains(dir, "..") {
		return errs.New(errs.Security, "[SECURITY] module path %q contains traversal", dir)
	}
	if !l.vfs.FileExists(dir) {
		return errs.New(errs.Import, "module path %q does not exist", dir)
	}
	for _, existing := range l.paths {
		if existing == dir {
			return errs.New(errs.Import, "module path %q already added", dir)
		}
	}
	l.paths = append(l.paths, dir)
	return nil
}

// Paths returns a snapshot of the current module search path, in
// resolution order.
func (l *Loader) Paths() []string { return append([]string(nil), l.paths...) }

func validateName(name string) *errs.Error {
	if !validName.MatchString(name) {
		return errs.New(errs.Import, "invalid module name %q", name)
	}
	return nil
}

// Import implements vm.Importer (and so the bound signature OpImport
// calls through): resolve name against the module path, and unless
// it's already cached or mid-load (a cycle), parse, compile, and run
// it as a fresh top-level program, then cache its exports.
func (l *Loader) Import(name string) (value.Value, error) {
	if err := validateName(name); err != nil {
		return value.Value{}, err
	}

	if cached, ok := l.vm.Module(name); ok {
		l.log.Debug().Str("module", name).Msg("import cache hit")
		return cached, nil
	}

	if l.loading[name] {
		// Cycle (§6.3 Open Question): return without re-entering the
		// in-progress load, so the import terminates instead of
		// recursing or erroring. The module is only registered once its
		// load finishes, so the value returned here is an empty exports
		// map: names the in-progress load has already declared are not
		// in it and are reachable only as globals.
		l.log.Warn().Str("module", name).Msg("import cycle detected, returning partial module")
		if partial, ok := l.vm.Module(name); ok {
			return partial, nil
		}
		return l.vm.NewMap(), nil
	}

	source, filename, rerr := l.resolve(name)
	if rerr != nil {
		return value.Value{}, rerr
	}

	l.loading[name] = true
	defer delete(l.loading, name)

	before := make(map[string]bool, len(l.vm.Globals()))
	for k := range l.vm.Globals() {
		before[k] = true
	}

	p := parser.New(source)
	program, perr := p.Parse()
	if perr != nil {
		return value.Value{}, errs.New(errs.Syntax, "module %q (%s): %v", name, filename, perr)
	}
	fn, cerr := compiler.Compile(program)
	if cerr != nil {
		return value.Value{}, errs.New(errs.Syntax, "module %q (%s): %v", name, filename, cerr)
	}
	fn.Name = filename

	if _, rerr := l.vm.RunNested(fn); rerr != nil {
		return value.Value{}, rerr
	}

	exports := l.vm.NewMap()
	m := exports.AsMap()
	for k, v := range l.vm.Globals() {
		if !before[k] {
			m.Set(l.vm.NewString(k), v)
		}
	}
	l.vm.SetModule(name, exports)
	l.log.Info().Str("module", name).Str("file", filename).Msg("module loaded")
	return exports, nil
}

// resolve implements §4.7's search: for each path P in order, try
// P/name.ember via the VFS.
func (l *Loader) resolve(name string) (source string, filename string, err *errs.Error) {
	for _, p := range l.paths {
		candidate := strings.TrimSuffix(p, "/") + "/" + name + moduleExt
		if l.vfs.FileExists(candidate) {
			data, rerr := l.vfs.ReadFile(candidate)
			if rerr != nil {
				return "", "", errs.New(errs.Import, "module %q: %v", name, rerr)
			}
			return string(data), candidate, nil
		}
	}
	return "", "", errs.New(errs.Import, "module %q not found in module path", name)
}
