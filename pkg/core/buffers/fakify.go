// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

// fakeHistory marks a fake buffer whose original was not a leaf.
type fakeHistory struct {
	name string
}

func (h fakeHistory) Name() string { return "fake(" + h.name + ")" }

// Fakify returns symbolic stand-ins for args, to be used when a function is run only to
// inspect what it does.
//
// Fakes keep the logical identity (repeated arguments map to the same fake), the storage
// sharing, the base relationships and the geometry of the originals, as well as their
// dtype, requires-grad, leaf-ness, dynamic axes and composite flags.
func Fakify(args []*Buffer) []*Buffer {
	f := &fakifier{
		buffers:  make(map[*Buffer]*Buffer),
		storages: make(map[StorageKey]*Storage),
	}
	fakes := make([]*Buffer, len(args))
	for ii, arg := range args {
		fakes[ii] = f.fake(arg)
	}
	return fakes
}

type fakifier struct {
	buffers  map[*Buffer]*Buffer
	storages map[StorageKey]*Storage
}

func (f *fakifier) fake(b *Buffer) *Buffer {
	if fb, found := f.buffers[b]; found {
		return fb
	}
	storage, found := f.storages[b.storage.key]
	if !found {
		storage = NewSymbolicStorage(b.storage.dtype, b.storage.size)
		f.storages[b.storage.key] = storage
	}
	fb := &Buffer{
		storage:      storage,
		geom:         b.geom.Clone(),
		requiresGrad: b.requiresGrad,
		alias:        b.alias,
		composite:    b.composite,
	}
	if b.history != nil {
		fb.history = fakeHistory{name: b.history.Name()}
	}
	if b.dynamicAxes != nil {
		fb.dynamicAxes = b.dynamicAxes.Clone()
	}
	if b.base != nil {
		fb.base = f.fake(b.base)
	}
	f.buffers[b] = fb
	return fb
}
