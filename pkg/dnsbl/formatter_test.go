package dnsbl

import "testing"

func TestFormatQuery(t *testing.T) {
	tests := []struct {
		ip, zone, want string
		wantErr        bool
	}{
		{"203.0.113.45", "zen.example.org", "45.113.0.203.zen.example.org.", false},
		{"1.2.3.4", "bl.example.org", "4.3.2.1.bl.example.org.", false},
		{"127.0.0.2", "zen.example.org", "2.0.0.127.zen.example.org.", false},
		{"256.0.0.1", "zen.example.org", "", true},
		{"1.2.3", "zen.example.org", "", true},
		{"1.2.3.4.5", "zen.example.org", "", true},
		{"a.b.c.d", "zen.example.org", "", true},
		{"01.2.3.4", "zen.example.org", "", true},
		{"-1.2.3.4", "zen.example.org", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, err := FormatQuery(tt.ip, tt.zone)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FormatQuery(%q, %q) error = %v, wantErr %v", tt.ip, tt.zone, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("FormatQuery(%q, %q) = %q, want %q", tt.ip, tt.zone, got, tt.want)
			}
		})
	}
}
