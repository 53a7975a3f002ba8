package datamodel

import "sort"

// Keyed is implemented by entries stored in a KeyList. The key is a 16-bit
// identifier (OID, IID, RID, RIID or SSID, depending on the list).
type Keyed interface {
	Key() uint16
}

// KeyList is a sequence of entries kept in strictly ascending key order.
// Persistence and the notification diff algorithms rely on the ordering
// invariant; IDInvalid is never inserted.
//
// The zero value is an empty list ready for use.
type KeyList[T Keyed] struct {
	items []*T
}

// search returns the position of the first entry with key >= key.
func (l *KeyList[T]) search(key uint16) int {
	return sort.Search(len(l.items), func(i int) bool {
		return (*l.items[i]).Key() >= key
	})
}

// Len returns the number of entries.
func (l *KeyList[T]) Len() int { return len(l.items) }

// Find returns the entry with the given key, or nil.
func (l *KeyList[T]) Find(key uint16) *T {
	i := l.search(key)
	if i < len(l.items) && (*l.items[i]).Key() == key {
		return l.items[i]
	}
	return nil
}

// FindOrCreate returns the entry with the given key, inserting the entry
// produced by create at its sorted position if absent. The second return
// value reports whether a new entry was inserted. create must produce an
// entry whose Key() equals key.
func (l *KeyList[T]) FindOrCreate(key uint16, create func() *T) (*T, bool) {
	i := l.search(key)
	if i < len(l.items) && (*l.items[i]).Key() == key {
		return l.items[i], false
	}
	entry := create()
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = entry
	return entry, true
}

// Insert adds an entry at its sorted position. It returns false without
// modifying the list if an entry with the same key already exists.
func (l *KeyList[T]) Insert(entry *T) bool {
	key := (*entry).Key()
	i := l.search(key)
	if i < len(l.items) && (*l.items[i]).Key() == key {
		return false
	}
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = entry
	return true
}

// Remove deletes the entry with the given key. It reports whether an entry
// was removed.
func (l *KeyList[T]) Remove(key uint16) bool {
	i := l.search(key)
	if i >= len(l.items) || (*l.items[i]).Key() != key {
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return true
}

// RemoveIf deletes every entry for which pred returns true, preserving
// order of the remaining entries.
func (l *KeyList[T]) RemoveIf(pred func(*T) bool) {
	kept := l.items[:0]
	for _, it := range l.items {
		if !pred(it) {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(l.items); i++ {
		l.items[i] = nil
	}
	l.items = kept
}

// Clear removes all entries.
func (l *KeyList[T]) Clear() { l.items = nil }

// At returns the entry at position i.
func (l *KeyList[T]) At(i int) *T { return l.items[i] }

// Keys returns all keys in ascending order.
func (l *KeyList[T]) Keys() []uint16 {
	keys := make([]uint16, len(l.items))
	for i, it := range l.items {
		keys[i] = (*it).Key()
	}
	return keys
}
