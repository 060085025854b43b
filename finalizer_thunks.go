package gogc

import "github.com/dynvm/gogc/internal/finalizer"

// SetFinalizerThunk installs the calling convention for native-function
// finalizers registered via Collector.AddPtrFinalizer/AddQuiescent (tag
// bit 0 set): fn receives the object address and the raw finalizer
// function pointer exactly as stored at registration.
func SetFinalizerThunk(fn func(obj, finalizerFn uintptr)) {
	finalizer.FinalizerThunk = fn
}

// SetManagedFinalizerThunk installs the calling convention for
// finalizers registered via Collector.AddFinalizer, where finalizerFn
// is a managed closure value rather than a native function pointer.
func SetManagedFinalizerThunk(fn func(obj, finalizerFn uintptr)) {
	finalizer.ManagedFinalizerThunk = fn
}
