package shelf

import (
	"sync"
)

// CallbackList tracks listeners under a lock and hands out a stable
// callback id so that closures can be removed without being comparable.
// Get returns a copy so callbacks can be invoked outside the lock.
type CallbackList[T any] struct {
	stateLock  sync.Mutex
	nextId     int
	callbacks  map[int]T
	orderedIds []int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback
	self.orderedIds = append(self.orderedIds, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.callbacks, callbackId)
	for i, orderedId := range self.orderedIds {
		if orderedId == callbackId {
			self.orderedIds = append(self.orderedIds[:i], self.orderedIds[i+1:]...)
			break
		}
	}
}

// Get returns the callbacks in add order.
func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, callbackId := range self.orderedIds {
		if callback, ok := self.callbacks[callbackId]; ok {
			callbacks = append(callbacks, callback)
		}
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.callbacks)
}
