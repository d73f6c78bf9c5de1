package router

import (
	"reflect"
	"testing"
)

func TestExtractNameReferences(t *testing.T) {
	for _, tc := range []struct {
		query string
		want  []string
	}{
		{"Compare Priya's height with Meera's height", []string{"Priya", "Meera"}},
		{"Compare Priya Sharma and Meera Iyer", []string{"Priya Sharma", "Meera Iyer"}},
		{"Show weight for Alice, Bob and Carol", []string{"Alice", "Bob", "Carol"}},
		{"What medications is Sarah Johnson's doctor prescribing?", []string{"Sarah Johnson"}},
		{"What's the protocol for postoperative fever?", nil},
		{"compare their labs", nil},
		{"", nil},
	} {
		got := ExtractNameReferences(tc.query)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ExtractNameReferences(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestExtractNameReferencesDedupesCaseInsensitive(t *testing.T) {
	got := ExtractNameReferences("Priya versus PRIYA versus Priya's results")
	if !reflect.DeepEqual(got, []string{"Priya"}) {
		t.Fatalf("expected single Priya, got %v", got)
	}
}

func TestExtractNameReferencesPreservesOrder(t *testing.T) {
	got := ExtractNameReferences("Does Meera weigh more than Priya?")
	if !reflect.DeepEqual(got, []string{"Meera", "Priya"}) {
		t.Fatalf("mention order not preserved: %v", got)
	}
}
