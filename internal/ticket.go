// Copyright 2016 Ka-Hing Cheung
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Ticket admits at most Total concurrent holders. Waiters are served in
// FIFO order.
type Ticket struct {
	Total uint32

	total       uint32
	outstanding int64
	sem         *semaphore.Weighted
}

func (ticket Ticket) Init() *Ticket {
	if ticket.Total == 0 {
		panic("ticket with no capacity")
	}
	ticket.total = ticket.Total
	ticket.sem = semaphore.NewWeighted(int64(ticket.total))
	return &ticket
}

func NewTicket(total uint32) (*Ticket, error) {
	if total == 0 {
		return nil, invalidArgument("concurrency limit must be at least 1")
	}
	return Ticket{Total: total}.Init(), nil
}

// Take blocks until howmany slots are free. If ctx is done first
// nothing is taken and the error matches ErrCancelled.
func (ticket *Ticket) Take(ctx context.Context, howmany uint32) error {
	if howmany > ticket.total {
		return invalidArgument("asked for %v of %v slots", howmany, ticket.total)
	}
	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	err := ticket.sem.Acquire(ctx, int64(howmany))
	if err != nil {
		return cancelled(ctx)
	}

	atomic.AddInt64(&ticket.outstanding, int64(howmany))
	return nil
}

func (ticket *Ticket) TryTake(howmany uint32) (took bool) {
	took = ticket.sem.TryAcquire(int64(howmany))
	if took {
		atomic.AddInt64(&ticket.outstanding, int64(howmany))
	}
	return
}

func (ticket *Ticket) Return(howmany uint32) {
	if atomic.AddInt64(&ticket.outstanding, -int64(howmany)) < 0 {
		panic("returned more tickets than taken")
	}
	ticket.sem.Release(int64(howmany))
}

func (ticket *Ticket) Capacity() uint32 {
	return ticket.total
}

func (ticket *Ticket) Outstanding() uint32 {
	return uint32(atomic.LoadInt64(&ticket.outstanding))
}
