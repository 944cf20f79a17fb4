package i18n

import (
	"encoding/json"
	"testing"
)

func TestNewBuildsParams(t *testing.T) {
	r := New("EVIDENCE_ORDER_TRACKED", "matched", 12, "rate", 0.5)
	if r.Key != "EVIDENCE_ORDER_TRACKED" {
		t.Errorf("key = %q", r.Key)
	}
	if r.Params["matched"] != 12 || r.Params["rate"] != 0.5 {
		t.Errorf("params = %v", r.Params)
	}
}

func TestNewOddParamsIgnoresTrailing(t *testing.T) {
	r := New("K", "a", 1, "dangling")
	if _, ok := r.Params["dangling"]; ok {
		t.Error("trailing key without value must be dropped")
	}
}

func TestMarshalShape(t *testing.T) {
	body, err := json.Marshal(New("REF_TIRE_SPEC_MISSING", "width", 285))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["_i18n_key"] != "REF_TIRE_SPEC_MISSING" {
		t.Errorf("_i18n_key = %v", out["_i18n_key"])
	}
	if out["width"] != float64(285) {
		t.Errorf("width param = %v", out["width"])
	}
}
