package storage

import (
	"sync"

	"dsg.dev/kvkernel/common"
	"go.uber.org/zap"
)

// PageStore is the read/write surface DiskScheduler dispatches against.
// *DiskManager satisfies it; tests wrap it to count or fault-inject I/O.
type PageStore interface {
	ReadPage(id common.PageID, buf []byte) error
	WritePage(id common.PageID, buf []byte) error
}

// diskRequestDirection distinguishes a scheduled read from a scheduled write.
type diskRequestDirection int

const (
	diskRead diskRequestDirection = iota
	diskWrite
)

// DiskRequest is a single scheduled unit of I/O: a direction, a target
// page id, the buffer to fill or drain, and a completion channel the
// worker sends the outcome on exactly once.
type DiskRequest struct {
	dir    diskRequestDirection
	pageID common.PageID
	data   []byte
	done   chan error
}

// DiskScheduler serializes block I/O against a PageStore on a single
// background worker goroutine, so callers never block each other on disk
// while still observing FIFO order among requests they submit.
type DiskScheduler struct {
	dm      PageStore
	log     *zap.Logger
	queue   chan *DiskRequest
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewDiskScheduler starts the worker goroutine and returns a scheduler
// bound to dm. depth bounds how many outstanding requests may be queued
// before Schedule blocks the submitter.
func NewDiskScheduler(dm PageStore, log *zap.Logger, depth int) *DiskScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if depth <= 0 {
		depth = 32
	}
	s := &DiskScheduler{
		dm:    dm,
		log:   log,
		queue: make(chan *DiskRequest, depth),
	}
	s.wg.Add(1)
	go s.workerLoop()
	return s
}

// schedule enqueues req, blocking only while the queue is full; the
// worker later sends the outcome on req.done.
func (s *DiskScheduler) schedule(req *DiskRequest) {
	s.queue <- req
}

// ScheduleRead schedules a read of pageID into buf and returns a channel
// that receives the outcome exactly once.
func (s *DiskScheduler) ScheduleRead(pageID common.PageID, buf []byte) <-chan error {
	req := &DiskRequest{dir: diskRead, pageID: pageID, data: buf, done: make(chan error, 1)}
	s.schedule(req)
	return req.done
}

// ScheduleWrite schedules a write of buf to pageID and returns a channel
// that receives the outcome exactly once.
func (s *DiskScheduler) ScheduleWrite(pageID common.PageID, buf []byte) <-chan error {
	req := &DiskRequest{dir: diskWrite, pageID: pageID, data: buf, done: make(chan error, 1)}
	s.schedule(req)
	return req.done
}

// workerLoop is the single dedicated worker thread described in the
// disk-scheduler contract: it drains the queue strictly in FIFO order,
// dispatching each request to the disk manager synchronously.
func (s *DiskScheduler) workerLoop() {
	defer s.wg.Done()
	for req := range s.queue {
		if req == nil {
			// Shutdown sentinel.
			return
		}
		var err error
		switch req.dir {
		case diskRead:
			err = s.dm.ReadPage(req.pageID, req.data)
		case diskWrite:
			err = s.dm.WritePage(req.pageID, req.data)
		}
		if err != nil {
			s.log.Debug("disk request failed", zap.Int64("page_id", int64(req.pageID)), zap.Error(err))
		}
		req.done <- err
	}
}

// Close posts the shutdown sentinel and blocks until the worker has
// drained all previously-submitted requests and exited.
func (s *DiskScheduler) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	s.queue <- nil
	s.wg.Wait()
}
