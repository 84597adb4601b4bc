// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package device

// requestQueue holds encoded requests awaiting the in-flight slot,
// drained FIFO. Loop context only.
type requestQueue struct {
	items [][]byte
}

func (q *requestQueue) Push(req []byte) {
	q.items = append(q.items, req)
}

// Pop removes and returns the queue head, or nil when empty.
func (q *requestQueue) Pop() []byte {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head
}

func (q *requestQueue) Len() int {
	return len(q.items)
}

func (q *requestQueue) Clear() {
	q.items = nil
}
