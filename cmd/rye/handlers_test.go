package main

import (
	"reflect"
	"testing"
)

func TestParseInputs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		rawJSON string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty", want: nil},
		{
			name:  "typed values",
			pairs: []string{"topic=go", "count=3", "dry_run=true"},
			want:  map[string]any{"topic": "go", "count": float64(3), "dry_run": true},
		},
		{
			name:    "json wins on conflict",
			pairs:   []string{"topic=go"},
			rawJSON: `{"topic": "rust", "extra": [1, 2]}`,
			want:    map[string]any{"topic": "rust", "extra": []any{float64(1), float64(2)}},
		},
		{
			name:  "value containing equals",
			pairs: []string{"query=a=b"},
			want:  map[string]any{"query": "a=b"},
		},
		{name: "malformed pair", pairs: []string{"topic"}, wantErr: true},
		{name: "malformed json", rawJSON: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInputs(tt.pairs, tt.rawJSON)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("inputs = %#v, want %#v", got, tt.want)
			}
		})
	}
}
