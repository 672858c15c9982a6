package tenants

import (
	"testing"
)

func TestIsolatedAccess(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "e-1")
	c.RegisterEntity("t1", "prod", "e-2")

	receipt := c.CheckAccess("t1", "prod", []string{"e-1", "e-2"})
	if !receipt.Isolated {
		t.Fatalf("expected isolated, got violations: %v", receipt.Violations)
	}
	if receipt.ChecksPassed != 2 {
		t.Fatalf("expected 2 passed, got %d", receipt.ChecksPassed)
	}
}

func TestCrossTenantViolation(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "e-1")
	c.RegisterEntity("t2", "prod", "e-2")

	receipt := c.CheckAccess("t1", "prod", []string{"e-1", "e-2"})
	if receipt.Isolated {
		t.Fatal("expected cross-tenant violation")
	}
	if receipt.ChecksFailed != 1 {
		t.Fatalf("expected 1 failure, got %d", receipt.ChecksFailed)
	}
	if len(receipt.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(receipt.Violations))
	}
}

func TestEntityInTwoWorkspacesIsolatedForOwner(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "e-1")
	c.RegisterEntity("t1", "staging", "e-1")

	receipt := c.CheckAccess("t1", "staging", []string{"e-1"})
	if !receipt.Isolated {
		t.Fatal("workspace owns this entity, should be isolated")
	}
}

func TestUnregisteredEntityAllowed(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "e-1")

	receipt := c.CheckAccess("t1", "prod", []string{"e-1", "new-entity"})
	if !receipt.Isolated {
		t.Fatal("unregistered entity should not cause violation")
	}
}

func TestVerifyIsolationClean(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "e-1")
	c.RegisterEntity("t2", "prod", "e-2")

	ok, _ := c.VerifyIsolation()
	if !ok {
		t.Fatal("expected clean isolation")
	}
}

func TestVerifyIsolationConflict(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "shared")
	c.RegisterEntity("t2", "prod", "shared")

	ok, violations := c.VerifyIsolation()
	if ok {
		t.Fatal("expected conflict for shared entity")
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
}

func TestIsolationReceiptHash(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "e-1")

	receipt := c.CheckAccess("t1", "prod", []string{"e-1"})
	if receipt.ContentHash == "" {
		t.Fatal("expected content hash")
	}
}

func TestMultipleTenants(t *testing.T) {
	c := NewIsolationChecker()
	c.RegisterEntity("t1", "prod", "a")
	c.RegisterEntity("t2", "prod", "b")
	c.RegisterEntity("t3", "prod", "c")

	r1 := c.CheckAccess("t1", "prod", []string{"a"})
	r2 := c.CheckAccess("t2", "prod", []string{"b"})
	r3 := c.CheckAccess("t3", "prod", []string{"c"})

	if !r1.Isolated || !r2.Isolated || !r3.Isolated {
		t.Fatal("all tenants accessing own entities should be isolated")
	}

	cross := c.CheckAccess("t1", "prod", []string{"b"}) // t1 accessing t2's entity
	if cross.Isolated {
		t.Fatal("expected violation")
	}
}
