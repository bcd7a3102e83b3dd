package main

import "testing"

func TestParseWorkerSpecs(t *testing.T) {
	cases := []struct {
		name    string
		specs   []string
		want    []string
		wantErr bool
	}{
		{
			name:  "single spec with count",
			specs: []string{"image-gen:2"},
			want:  []string{"image-gen"},
		},
		{
			name:  "multiple specs deduplicated",
			specs: []string{"image-gen:2", "video-gen:1", "image-gen:3"},
			want:  []string{"image-gen", "video-gen"},
		},
		{
			name:  "spec without count",
			specs: []string{"image-gen"},
			want:  []string{"image-gen"},
		},
		{
			name:  "blank entries skipped",
			specs: []string{"", "  ", "image-gen:1"},
			want:  []string{"image-gen"},
		},
		{
			name:  "empty input",
			specs: nil,
			want:  nil,
		},
		{
			name:    "empty service type errors",
			specs:   []string{":3"},
			wantErr: true,
		},
		{
			name:    "non-numeric count errors",
			specs:   []string{"image-gen:abc"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseWorkerSpecs(tc.specs)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}
