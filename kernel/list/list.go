// Package list implements intrusive singly and doubly linked lists whose
// nodes live inside the memory they describe. Nodes are addressed by their
// raw address so the lists can thread through free physical pages, slab
// objects and task records without any backing allocation.
//
// A list never stores a pointer back to its own head. Moving a list value
// therefore keeps every node valid.
package list

import "unsafe"

// SNode is the link embedded at the start of every element of an SList.
type SNode struct {
	next uintptr
}

// DNode is the link embedded in every element of a DList.
type DNode struct {
	next, prev uintptr
}

func snodeAt(addr uintptr) *SNode {
	return (*SNode)(unsafe.Pointer(addr))
}

func dnodeAt(addr uintptr) *DNode {
	return (*DNode)(unsafe.Pointer(addr))
}

// SList is a LIFO list of SNode elements. The zero value is an empty list.
type SList struct {
	head uintptr
}

// Empty returns true if the list has no elements.
func (l *SList) Empty() bool {
	return l.head == 0
}

// Front returns the address of the first element or 0 if the list is empty.
func (l *SList) Front() uintptr {
	return l.head
}

// Push inserts the element at addr at the front of the list.
func (l *SList) Push(addr uintptr) {
	snodeAt(addr).next = l.head
	l.head = addr
}

// Pop unlinks and returns the front element or 0 if the list is empty.
func (l *SList) Pop() uintptr {
	addr := l.head
	if addr != 0 {
		l.head = snodeAt(addr).next
		snodeAt(addr).next = 0
	}

	return addr
}

// InsertAfter links addr right after the element at prev. A prev value of 0
// inserts addr at the front of the list.
func (l *SList) InsertAfter(prev, addr uintptr) {
	if prev == 0 {
		l.Push(addr)
		return
	}

	snodeAt(addr).next = snodeAt(prev).next
	snodeAt(prev).next = addr
}

// Next returns the element following addr or 0 if addr is the last one.
func (l *SList) Next(addr uintptr) uintptr {
	return snodeAt(addr).next
}

// Visit invokes visitor for each element in list order. The visitor may not
// unlink the element it is visiting; it returns false to stop the scan.
func (l *SList) Visit(visitor func(addr uintptr) bool) {
	for cur := l.head; cur != 0; cur = snodeAt(cur).next {
		if !visitor(cur) {
			return
		}
	}
}

// DList is a doubly linked list of DNode elements supporting constant time
// removal of arbitrary elements. The zero value is an empty list.
type DList struct {
	head, tail uintptr
	count      uint64
}

// Empty returns true if the list has no elements.
func (l *DList) Empty() bool {
	return l.head == 0
}

// Len returns the number of linked elements.
func (l *DList) Len() uint64 {
	return l.count
}

// Front returns the address of the first element or 0 if the list is empty.
func (l *DList) Front() uintptr {
	return l.head
}

// PushFront inserts the element at addr at the front of the list.
func (l *DList) PushFront(addr uintptr) {
	node := dnodeAt(addr)
	node.prev = 0
	node.next = l.head

	if l.head != 0 {
		dnodeAt(l.head).prev = addr
	} else {
		l.tail = addr
	}

	l.head = addr
	l.count++
}

// PushBack appends the element at addr to the end of the list.
func (l *DList) PushBack(addr uintptr) {
	node := dnodeAt(addr)
	node.next = 0
	node.prev = l.tail

	if l.tail != 0 {
		dnodeAt(l.tail).next = addr
	} else {
		l.head = addr
	}

	l.tail = addr
	l.count++
}

// PopFront unlinks and returns the first element or 0 if the list is empty.
func (l *DList) PopFront() uintptr {
	addr := l.head
	if addr != 0 {
		l.Remove(addr)
	}

	return addr
}

// Remove unlinks the element at addr which must currently belong to l.
func (l *DList) Remove(addr uintptr) {
	node := dnodeAt(addr)

	if node.prev != 0 {
		dnodeAt(node.prev).next = node.next
	} else {
		l.head = node.next
	}

	if node.next != 0 {
		dnodeAt(node.next).prev = node.prev
	} else {
		l.tail = node.prev
	}

	node.next, node.prev = 0, 0
	l.count--
}

// Contains returns true if addr is linked into l.
func (l *DList) Contains(addr uintptr) bool {
	for cur := l.head; cur != 0; cur = dnodeAt(cur).next {
		if cur == addr {
			return true
		}
	}

	return false
}

// Visit invokes visitor for each element from front to back. The visitor
// returns false to stop the scan.
func (l *DList) Visit(visitor func(addr uintptr) bool) {
	for cur := l.head; cur != 0; cur = dnodeAt(cur).next {
		if !visitor(cur) {
			return
		}
	}
}
