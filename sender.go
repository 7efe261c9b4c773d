//go:build linux

package main

import (
	"encoding/binary"
	"io"
	"log"
	"sync"
)

// sender serializes whole frames from the capture buffers onto the
// outgoing APC stream. Frames from different buffers interleave only at
// frame boundaries.
type sender struct {
	mu sync.Mutex
	w  io.Writer
	wg sync.WaitGroup
}

func newSender(w io.Writer) *sender {
	return &sender{w: w}
}

func (s *sender) writeFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := s.w.Write(length[:]); err != nil {
		return err
	}
	_, err := s.w.Write(payload)
	return err
}

// drain pumps one buffer until it is closed. readFrame must return nil at
// end of stream.
func (s *sender) drain(name string, readFrame func() []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			payload := readFrame()
			if payload == nil {
				return
			}
			if err := s.writeFrame(payload); err != nil {
				log.Printf("Error: writing %s frame: %v", name, err)
				return
			}
		}
	}()
}

func (s *sender) wait() {
	s.wg.Wait()
}
