package types

import "testing"

func TestParseTaskType(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"general", true},
		{"research", true},
		{"code", true},
		{"reasoning", true},
		{"creative", true},
		{"data_analysis", true},
		{"domain_expertise", true},
		{"CODE", false},
		{"debug", false},
		{"", false},
	}

	for _, tt := range tests {
		_, ok := ParseTaskType(tt.input)
		if ok != tt.valid {
			t.Errorf("ParseTaskType(%q) valid = %v, want %v", tt.input, ok, tt.valid)
		}
	}
}

func TestAllTaskTypesAreValid(t *testing.T) {
	seen := map[TaskType]bool{}
	for _, tt := range AllTaskTypes() {
		if !tt.IsValid() {
			t.Errorf("%s should be valid", tt)
		}
		if seen[tt] {
			t.Errorf("%s listed twice", tt)
		}
		seen[tt] = true
	}
	if len(seen) != 7 {
		t.Errorf("expected 7 task types, got %d", len(seen))
	}
}

func TestParseResponseFormat(t *testing.T) {
	for _, s := range []string{"text", "markdown", "html", "json"} {
		if _, ok := ParseResponseFormat(s); !ok {
			t.Errorf("expected %q to parse", s)
		}
	}
	if _, ok := ParseResponseFormat("yaml"); ok {
		t.Error("expected yaml to be rejected")
	}
}

func TestProcessedResponseFailed(t *testing.T) {
	var nilResp *ProcessedResponse
	if !nilResp.Failed() {
		t.Error("nil response should count as failed")
	}
	if (&ProcessedResponse{Content: "ok"}).Failed() {
		t.Error("response without error should not be failed")
	}
	if !(&ProcessedResponse{Error: "boom"}).Failed() {
		t.Error("response with error should be failed")
	}
}
