package resource

import "testing"

func TestAllocatePerUserLimit(t *testing.T) {
	a := New(Limits{Client: 2}, Limits{})

	if err := a.Allocate("alice", ClassClient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Allocate("alice", ClassClient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Allocate("alice", ClassClient); err == nil {
		t.Fatal("expected third allocation to exceed per-user limit")
	}
	if err := a.Allocate("bob", ClassClient); err != nil {
		t.Fatalf("bob should be unaffected by alice's limit: %v", err)
	}
}

func TestAllocateGlobalLimit(t *testing.T) {
	a := New(Limits{}, Limits{Client: 1})

	if err := a.Allocate("alice", ClassClient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Allocate("bob", ClassClient); err == nil {
		t.Fatal("expected global limit to block bob")
	}
}

func TestDeallocateFreesCapacity(t *testing.T) {
	a := New(Limits{Client: 1}, Limits{})

	if err := a.Allocate("alice", ClassClient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Deallocate("alice", ClassClient)
	if err := a.Allocate("alice", ClassClient); err != nil {
		t.Fatalf("expected reallocation to succeed after deallocate: %v", err)
	}
}

func TestTransfer(t *testing.T) {
	a := New(Limits{Service: 1}, Limits{})

	if err := a.Allocate("alice", ClassService); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Transfer(ClassService, "alice", "bob"); err != nil {
		t.Fatalf("unexpected transfer error: %v", err)
	}
	if err := a.Allocate("alice", ClassService); err != nil {
		t.Fatalf("alice should have freed capacity after transfer: %v", err)
	}
	if err := a.Allocate("bob", ClassService); err == nil {
		t.Fatal("expected bob to be at limit after receiving transfer")
	}
}

func TestTransferDoesNotSpuriouslyHitGlobalCap(t *testing.T) {
	// Global cap is already saturated by alice's one allocation;
	// transferring that same unit to bob must not transiently need
	// capacity for 2 while only 1 is actually in use.
	a := New(Limits{}, Limits{Service: 1})

	if err := a.Allocate("alice", ClassService); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Transfer(ClassService, "alice", "bob"); err != nil {
		t.Fatalf("transfer should not spuriously hit the global cap: %v", err)
	}
}

func TestTransferRestoresOnFailure(t *testing.T) {
	a := New(Limits{Service: 1}, Limits{})

	if err := a.Allocate("alice", ClassService); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Allocate("bob", ClassService); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Transfer(ClassService, "alice", "bob"); err == nil {
		t.Fatal("expected transfer to fail: bob already at per-user limit")
	}
	// alice's unit must have been restored, not lost.
	if err := a.Allocate("alice", ClassService); err == nil {
		t.Fatal("expected alice to still be at her limit after a failed transfer")
	}
}
