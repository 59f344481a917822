package layout

import (
	"strings"
	"testing"
)

const sample = `
name = orders
version = 3
consistencyNumber = 42
forceWriteCommit = on
tables {
  people {
    columns {
      id {
        typeDesc = long
      }
      name {
        typeDesc = string
      }
    }
    store {
      nobsRowRef = 4
    }
  }
  orders {
    columns {
      total {
        typeDesc = double
      }
    }
    store {
      nobsRowRef = 4
    }
  }
}
`

func TestParseScalarsAndNesting(t *testing.T) {
	root, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if got := root.RequiredString("name"); got != "orders" {
		t.Errorf("name = %q, want orders", got)
	}
	if got := root.RequiredInt("consistencyNumber"); got != 42 {
		t.Errorf("consistencyNumber = %d, want 42", got)
	}
	if !root.RequiredBool("forceWriteCommit") {
		t.Error("forceWriteCommit should be true")
	}
	_ = root.RequiredInt("version")
	_ = root.RequiredNamedSequence("tables")
	if err := root.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestTablesPreserveDeclarationOrder(t *testing.T) {
	root, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	tables := root.RequiredNamedSequence("tables")
	if len(tables) != 2 {
		t.Fatalf("got %d tables, want 2", len(tables))
	}
	if tables[0].Name != "people" || tables[1].Name != "orders" {
		t.Errorf("tables out of order: %v, %v", tables[0].Name, tables[1].Name)
	}
	cols := tables[0].Obj.RequiredNamedSequence("columns")
	if len(cols) != 2 || cols[0].Name != "id" || cols[1].Name != "name" {
		t.Errorf("unexpected column order: %+v", cols)
	}
}

func TestMissingRequiredKeyRecordsError(t *testing.T) {
	root, err := Parse(strings.NewReader("name = x\n"))
	if err != nil {
		t.Fatal(err)
	}
	_ = root.RequiredInt("consistencyNumber")
	if err := root.Validate(); err == nil {
		t.Fatal("expected a validation error for the missing key")
	}
}

func TestUnknownKeyRecordsError(t *testing.T) {
	root, err := Parse(strings.NewReader("name = x\nbogus = y\n"))
	if err != nil {
		t.Fatal(err)
	}
	_ = root.RequiredString("name")
	if err := root.Validate(); err == nil {
		t.Fatal("expected a validation error for the unconsumed key")
	}
}

func TestRoundTripParseWrite(t *testing.T) {
	root, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	var buf strings.Builder
	if err := Write(&buf, root); err != nil {
		t.Fatal(err)
	}
	reparsed, err := Parse(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("reparsing written output: %v", err)
	}
	if got := reparsed.RequiredString("name"); got != "orders" {
		t.Errorf("round trip name = %q, want orders", got)
	}
}
