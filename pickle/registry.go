package pickle

import "sync"

// Handler is one entry in an InstantiatorRegistry: the capability pair
// §4.3 calls create/initialize, plus the names it answers to.
//
// The teacher's Class/Call in ogorek.go are bare symbolic placeholders
// that Decode pushes verbatim and never resolves further — reduction,
// NEWOBJ, INST and BUILD all land on errNotImplemented. Handler replaces
// that placeholder with the capability-driven registry spec.md §4.3
// mandates: the VM never reflects over or calls into a class, it only
// ever asks a Handler to create and initialize.
type Handler struct {
	// ClassNames are fully-qualified "module"+Divider+"class" names this
	// handler's Create answers to from GLOBAL/STACK_GLOBAL/EXT*/INST.
	ClassNames []string
	// TypeTags are the Object.Tag values this handler's Initialize answers
	// to from REDUCE/NEWOBJ/NEWOBJ_EX/INST/OBJ/BUILD, which all dispatch by
	// the tag of the Object already on the stack.
	TypeTags []string

	// Create returns a fresh, empty Object for the named class. module and
	// class are passed separately so a handler can vary behavior per
	// class sharing one registration (e.g. the per-dtype storage
	// classes).
	Create func(module, class string) Value
	// Initialize applies arguments (a REDUCE argtuple, a NEWOBJ argtuple,
	// or BUILD's state value) to obj and returns the resulting Object,
	// which may or may not be obj itself.
	Initialize func(obj Value, arguments Value) (Value, error)
}

// Divider joins module and class name into the fully-qualified name a
// Handler's ClassNames are matched against.
const Divider = "."

// InstantiatorRegistry maps fully-qualified foreign class names and
// symbolic type tags to the Handler that can manufacture and initialize
// them. The zero value is ready to use.
//
// An InstantiatorRegistry is process-wide per spec.md §5. Add,
// RegisterExtension and the lookups a Load performs all take the
// registry's lock, so each individual call is safe for concurrent use.
type InstantiatorRegistry struct {
	mu        sync.RWMutex
	byClass   map[string]*Handler
	byTag     map[string]*Handler
	byExtCode map[int64]struct{ module, class string }
}

// NewInstantiatorRegistry returns an empty registry.
func NewInstantiatorRegistry() *InstantiatorRegistry {
	return &InstantiatorRegistry{
		byClass: make(map[string]*Handler),
		byTag:   make(map[string]*Handler),
	}
}

// DefaultRegistry is the process-wide registry used by an Unpickler whose
// Config.Registry is nil. checkpoint.RegisterBuiltins populates it with
// the three built-in handlers spec.md §4.3 requires.
var DefaultRegistry = NewInstantiatorRegistry()

// Add installs h, indexing it under every class name and type tag it
// claims. Re-adding a name already registered overwrites the prior
// handler for that name, per spec.md §4.3's idempotent-registration
// requirement.
func (r *InstantiatorRegistry) Add(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byClass == nil {
		r.byClass = make(map[string]*Handler)
	}
	if r.byTag == nil {
		r.byTag = make(map[string]*Handler)
	}
	for _, name := range h.ClassNames {
		r.byClass[name] = h
	}
	for _, tag := range h.TypeTags {
		r.byTag[tag] = h
	}
}

// RegisterExtension records that extension code lives at (module, class),
// for the EXT1/EXT2/EXT4 opcode family.
func (r *InstantiatorRegistry) RegisterExtension(code int64, module, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byExtCode == nil {
		r.byExtCode = make(map[int64]struct{ module, class string })
	}
	r.byExtCode[code] = struct{ module, class string }{module, class}
}

func (r *InstantiatorRegistry) extensionClass(code int64) (module, class string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mc, ok := r.byExtCode[code]
	return mc.module, mc.class, ok
}

// create resolves module+Divider+class against the registry and returns
// the Handler's freshly minted Object, or None with ok=false if nothing
// is registered for that name.
func (r *InstantiatorRegistry) create(module, class string) (Value, bool) {
	r.mu.RLock()
	h, ok := r.byClass[module+Divider+class]
	r.mu.RUnlock()
	if !ok {
		return None, false
	}
	return h.Create(module, class), true
}

// handlerForTag looks up the Handler registered for an Object's type tag.
func (r *InstantiatorRegistry) handlerForTag(tag string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byTag[tag]
	return h, ok
}

// initialize dispatches by obj's Object.Tag to the registered Handler's
// Initialize. If no handler matches, it falls back to the BUILD merge
// behavior spec.md §4.2/§4.3 documents: every key of arguments is copied
// into obj's Dict, whether obj is itself a Dict or an Object whose Payload
// holds one (an Object manufactured by a Handler that only ever populates
// ClassNames, such as an untyped-storage handler, never gets a Dict
// payload of its own until a BUILD against it asks for one).
func (r *InstantiatorRegistry) initialize(obj Value, arguments Value) (Value, error) {
	if o, ok := obj.AsObject(); ok {
		if h, ok := r.handlerForTag(o.Tag); ok {
			return h.Initialize(obj, arguments)
		}
		return mergeStateIntoObject(obj, o, arguments)
	}

	objDict, objIsDict := obj.AsDict()
	argDict, argIsDict := arguments.AsDict()
	if objIsDict && argIsDict {
		argDict.Iter(func(k, v Value) bool {
			objDict.TrySet(k, v)
			return true
		})
		return obj, nil
	}

	return Value{}, errf(ErrClassCouldNotBeInstantiated,
		"no instantiator registered and state/object are not both dicts")
}

// mergeStateIntoObject implements the dict-merge fallback for an Object
// whose type tag has no registered Handler. arguments must be a Dict;
// its keys are copied into o's Payload, lazily turning a nil (or
// non-Dict) Payload into a fresh Dict the first time this happens.
func mergeStateIntoObject(obj Value, o *Object, arguments Value) (Value, error) {
	argDict, argIsDict := arguments.AsDict()
	if !argIsDict {
		return Value{}, errf(ErrClassCouldNotBeInstantiated,
			"no instantiator registered for tag %q and state is not a dict", o.Tag)
	}

	payload, ok := o.Payload.(*Dict)
	if !ok || payload == nil {
		payload = NewEmptyDict()
		o.Payload = payload
	}
	argDict.Iter(func(k, v Value) bool {
		payload.TrySet(k, v)
		return true
	})
	return obj, nil
}
