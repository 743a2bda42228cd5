package main

import "testing"

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{`tags=["a","b"]`, "name=Renamed", "count=3", "note=x=y"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("tags %v", got["tags"])
	}
	if got["name"] != "Renamed" || got["count"] != float64(3) || got["note"] != "x=y" {
		t.Fatalf("unexpected %v", got)
	}
	if _, err := parseAssignments([]string{"=oops"}); err == nil {
		t.Fatalf("expected error for empty field")
	}
}
