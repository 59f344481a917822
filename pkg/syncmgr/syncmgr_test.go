package syncmgr

import (
	"testing"
	"time"
)

func TestUnitExcludesReadZone(t *testing.T) {
	m := New()
	a, b := new(int), new(int)
	u, err := m.IssueUnit(a)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		z, err := m.OpenReadZone(b)
		if err != nil {
			t.Error(err)
			return
		}
		z.Close()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("read zone opened for another owner while a unit was held")
	case <-time.After(30 * time.Millisecond):
	}
	u.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read zone never opened after the unit closed")
	}
}

func TestReadZonesCoexistAcrossOwners(t *testing.T) {
	m := New()
	a, b := new(int), new(int)
	za, err := m.OpenReadZone(a)
	if err != nil {
		t.Fatal(err)
	}
	zb, err := m.OpenReadZone(b)
	if err != nil {
		t.Fatal(err)
	}
	za.Close()
	zb.Close()
	if !m.IsIdle() {
		t.Error("manager should be idle after both read zones close")
	}
}

func TestUnitNestsForSameOwner(t *testing.T) {
	m := New()
	owner := new(int)
	u1, err := m.IssueUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	u2, err := m.IssueUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	u2.Close()
	if m.IsIdle() {
		t.Error("manager should still be blocked after closing only the nested unit reference")
	}
	u1.Close()
	if !m.IsIdle() {
		t.Error("manager should be idle once the outer unit reference closes too")
	}
}

func TestReadZoneAllowedInsideOwnUnit(t *testing.T) {
	m := New()
	owner := new(int)
	u, err := m.IssueUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	defer u.Close()
	// Opening a read zone while this goroutine already holds a unit is
	// allowed (nesting exception), it must not deadlock.
	rz, err := m.OpenReadZone(owner)
	if err != nil {
		t.Fatal(err)
	}
	rz.Close()
}

func TestACDPZoneForbiddenWhileHoldingReadZone(t *testing.T) {
	m := New()
	owner := new(int)
	rz, err := m.OpenReadZone(owner)
	if err != nil {
		t.Fatal(err)
	}
	defer rz.Close()
	if _, err := m.OpenACDPZone(owner); err == nil {
		t.Fatal("expected an error opening the ACDP zone while holding a read zone in the same goroutine")
	}
}

func TestKamikazeWriteExcludesUnit(t *testing.T) {
	m := New()
	a, b := new(int), new(int)
	u, err := m.IssueUnit(a)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		z, err := m.KamikazeWrite(b)
		if err != nil {
			t.Error(err)
			return
		}
		z.Close()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("kamikaze write proceeded while a unit was held")
	case <-time.After(30 * time.Millisecond):
	}
	u.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("kamikaze write never proceeded after the unit closed")
	}
}

func TestShutdownWakesWaiters(t *testing.T) {
	m := New()
	a, b := new(int), new(int)
	u, err := m.IssueUnit(a)
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := m.IssueUnit(b)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Shutdown()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected a shutdown error for the blocked waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after Shutdown")
	}
	u.Close()
}
