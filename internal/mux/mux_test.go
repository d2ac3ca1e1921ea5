package mux

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/gpsd"
	"gpsd-forwarder/internal/status"
)

func nmea(i int) gpsd.NMEA {
	return gpsd.NMEA{Sentence: fmt.Sprintf("$GPTST,%d*00", i)}
}

func TestMultiplexer_PreservesPerSourceOrder(t *testing.T) {
	m := New(Config{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.HandleNMEA(nmea(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.HandleAttitude(attitude.Record{Time: time.Unix(int64(i), 0), Heading: float64(i % 180)})
		}
	}()
	wg.Wait()

	ctx := context.Background()
	nextNMEA, nextATT := 0, 0
	for i := 0; i < 400; i++ {
		msg, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch msg.Kind {
		case gpsd.KindNMEA:
			want := nmea(nextNMEA).Sentence
			if string(msg.Payload) != want {
				t.Fatalf("nmea %d=%q want %q", nextNMEA, msg.Payload, want)
			}
			nextNMEA++
		case gpsd.KindATT:
			if !msg.Received.Equal(time.Unix(int64(nextATT), 0)) {
				t.Fatalf("att %d out of order: %v", nextATT, msg.Received)
			}
			nextATT++
		}
	}
	st := m.Stats()
	if st.Enqueued != 400 || st.Emitted != 400 || st.Pending != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMultiplexer_AttitudeBecomesATTJSON(t *testing.T) {
	m := New(Config{})
	m.HandleAttitude(attitude.Fuse(attitude.Vec3{0, 0, 9.8}, attitude.Vec3{}, attitude.Vec3{0, 1, 0}, time.Unix(1, 0)))
	msg, err := m.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Kind != gpsd.KindATT || !strings.HasPrefix(string(msg.Payload), `{"class":"ATT"`) {
		t.Fatalf("msg=%s", msg.Payload)
	}
}

func TestMultiplexer_OverflowDropsNewestAndWarnsOncePerEpisode(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	sink := status.Func(func(msg string) {
		mu.Lock()
		lines = append(lines, msg)
		mu.Unlock()
	})
	m := New(Config{Sink: sink, MaxPending: 4})
	for i := 0; i < 10; i++ {
		m.HandleNMEA(nmea(i))
	}
	if st := m.Stats(); st.Dropped != 6 || st.Pending != 4 {
		t.Fatalf("stats=%+v", st)
	}
	if len(lines) != 1 {
		t.Fatalf("warnings=%v want one", lines)
	}

	ctx := context.Background()
	// Draining below half capacity ends the episode.
	for i := 0; i < 3; i++ {
		msg, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if want := nmea(i).Sentence; string(msg.Payload) != want {
			t.Fatalf("got=%q want %q (oldest kept)", msg.Payload, want)
		}
	}
	for i := 0; i < 10; i++ {
		m.HandleNMEA(nmea(100 + i))
	}
	if len(lines) != 2 {
		t.Fatalf("warnings=%v want a second episode", lines)
	}
}

func TestMultiplexer_NextHonorsContext(t *testing.T) {
	m := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Next(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not return after cancel")
	}
}

func TestMultiplexer_CloseWakesReaders(t *testing.T) {
	m := New(Config{})
	done := make(chan error, 1)
	go func() {
		_, err := m.Next(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not return after Close")
	}
	m.HandleNMEA(nmea(1))
	if st := m.Stats(); st.Pending != 0 {
		t.Fatalf("message queued after Close: %+v", st)
	}
	m.Close()
}

func TestMultiplexer_EncodeFailureIsReported(t *testing.T) {
	var got []string
	m := New(Config{Sink: status.Func(func(msg string) { got = append(got, msg) })})
	m.HandleAttitude(attitude.Record{Heading: math.NaN()})
	if len(got) != 1 || !strings.HasPrefix(got[0], "Failed to send IMU data") {
		t.Fatalf("lines=%v", got)
	}
	if st := m.Stats(); st.EncodeErrors != 1 || st.Enqueued != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMultiplexer_EncodeFailureReportedOncePerRun(t *testing.T) {
	var got []string
	m := New(Config{Sink: status.Func(func(msg string) { got = append(got, msg) })})
	for i := 0; i < 5; i++ {
		m.HandleAttitude(attitude.Record{Heading: math.Inf(1)})
	}
	if len(got) != 1 {
		t.Fatalf("lines=%v want one", got)
	}

	m.HandleAttitude(attitude.Record{Heading: 10})
	m.HandleAttitude(attitude.Record{Pitch: math.NaN()})
	m.HandleAttitude(attitude.Record{Pitch: math.NaN()})
	if len(got) != 2 {
		t.Fatalf("lines=%v want a second report after recovery", got)
	}
	if st := m.Stats(); st.EncodeErrors != 7 || st.Enqueued != 1 {
		t.Fatalf("stats=%+v", st)
	}
}
