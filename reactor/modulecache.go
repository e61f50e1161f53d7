package reactor

import (
	"context"
	"sync"

	"github.com/s0duku/pybox/engine"
)

// moduleCacheKey identifies a compiled guest module by engine identity and
// source path. Two reactors opened against the same engine and the same
// wasmfile share one compiled Module; the cache is keyed on engine pointer
// identity, not on any notion of engine configuration equality, so two
// distinctly-constructed engines never collide even if they'd otherwise
// compile to byte-identical modules.
type moduleCacheKey struct {
	engineIdentity uintptr
	path           string
}

// moduleCaches is process-lifetime and never evicted: compiled modules are
// cheap to keep and expensive to recompile, and pybox reactors are expected
// to be long-lived within a process.
var moduleCaches sync.Map // moduleCacheKey -> engine.Module

func cachedModule(key moduleCacheKey) (engine.Module, bool) {
	v, ok := moduleCaches.Load(key)
	if !ok {
		return nil, false
	}
	return v.(engine.Module), true
}

func storeModule(key moduleCacheKey, mod engine.Module) engine.Module {
	actual, loaded := moduleCaches.LoadOrStore(key, mod)
	if loaded {
		// Another goroutine won the race to compile this module first; close
		// ours and use theirs so only one compiled Module is ever kept live
		// per cache key.
		_ = mod.Close(context.Background())
	}
	return actual.(engine.Module)
}
