package discovery

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/sidoh/esp8266-thermometer/logger"
)

type fakeServer struct {
	shutdowns chan struct{}
}

func (f *fakeServer) Shutdown() { f.shutdowns <- struct{}{} }

func stubRegister(t *testing.T, fn func(instance, service, domain string, port int, text []string) (shutdowner, error)) {
	t.Helper()
	orig := register
	register = fn
	t.Cleanup(func() { register = orig })
}

func TestAnnouncementText(t *testing.T) {
	a := Announcement{DeviceID: "abc", Port: 80, Version: "2.0.0", Variant: "linux"}
	if a.Instance() != "thermometer-abc" {
		t.Fatalf("Instance() = %q", a.Instance())
	}
	want := []string{"path=/", "id=abc", "version=2.0.0", "variant=linux"}
	if !reflect.DeepEqual(a.Text(), want) {
		t.Fatalf("Text() = %v", a.Text())
	}
}

func TestAnnounceRegistersAndStopsOnCancel(t *testing.T) {
	srv := &fakeServer{shutdowns: make(chan struct{}, 2)}
	var gotService string
	var gotPort int
	stubRegister(t, func(instance, service, domain string, port int, text []string) (shutdowner, error) {
		gotService, gotPort = service, port
		return srv, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stop, err := Announce(ctx, Announcement{DeviceID: "abc", Port: 8080}, logger.Nop())
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if gotService != ServiceType || gotPort != 8080 {
		t.Fatalf("registered %s:%d", gotService, gotPort)
	}

	cancel()
	select {
	case <-srv.shutdowns:
	case <-time.After(time.Second):
		t.Fatalf("announcement not shut down on cancel")
	}

	stop()
	select {
	case <-srv.shutdowns:
		t.Fatalf("Shutdown called twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAnnounceStopReleasesWatcher(t *testing.T) {
	srv := &fakeServer{shutdowns: make(chan struct{}, 2)}
	stubRegister(t, func(string, string, string, int, []string) (shutdowner, error) {
		return srv, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	before := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		stop, err := Announce(ctx, Announcement{DeviceID: "abc", Port: 80}, logger.Nop())
		if err != nil {
			t.Fatalf("Announce: %v", err)
		}
		stop()
		<-srv.shutdowns
	}

	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, want at most %d after stop", runtime.NumGoroutine(), before)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnnounceRegisterError(t *testing.T) {
	stubRegister(t, func(string, string, string, int, []string) (shutdowner, error) {
		return nil, errors.New("no multicast interface")
	})
	if _, err := Announce(context.Background(), Announcement{DeviceID: "x", Port: 80}, logger.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSortedPeers(t *testing.T) {
	peers := sortedPeers(map[string]Peer{
		"thermometer-b": {Instance: "thermometer-b"},
		"thermometer-a": {Instance: "thermometer-a"},
	})
	if peers[0].Instance != "thermometer-a" || peers[1].Instance != "thermometer-b" {
		t.Fatalf("peers = %+v", peers)
	}
}
