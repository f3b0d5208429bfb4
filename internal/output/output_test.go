package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintResult(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	row := ResultRow{Transport: "http", Target: "/orders", Method: "get", Status: 200}
	row.SetValue([]byte(`{"id":7}`))

	tests := []struct {
		format Format
		want   []string
	}{
		{FormatTable, []string{"Call:", "get /orders", "Status:", "200", `"id": 7`}},
		{FormatJSON, []string{`"transport": "http"`, `"status": 200`, `"id": 7`}},
		{FormatYAML, []string{"transport: http", "status: 200", "id: 7"}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := NewPrinter(tt.format, &buf).PrintResult(row); err != nil {
			t.Fatalf("%s: %v", tt.format, err)
		}
		for _, w := range tt.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("%s output missing %q:\n%s", tt.format, w, buf.String())
			}
		}
	}
}

func TestSetValue_NonJSON(t *testing.T) {
	var row ResultRow
	row.SetValue([]byte("plain text"))
	if row.Value != "plain text" {
		t.Fatalf("value = %v", row.Value)
	}
	if ParseFormat("YML") != FormatYAML || ParseFormat("whatever") != FormatTable {
		t.Fatal("ParseFormat")
	}
}
