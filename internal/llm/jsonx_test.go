package llm

import "testing"

func TestStripFences(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
		{"fence without newline", "```{\"a\":1}```", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripFences(tc.input); got != tc.want {
				t.Fatalf("StripFences(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestFirstJSONObject(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"leading prose", `Sure, here it is: {"a":1} hope that helps`, `{"a":1}`},
		{"nested", `{"a":{"b":2}} trailing`, `{"a":{"b":2}}`},
		{"braces inside strings", `{"a":"}{"} rest`, `{"a":"}{"}`},
		{"escaped quote", `{"a":"say \"hi\""}`, `{"a":"say \"hi\""}`},
		{"no object", "nothing here", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FirstJSONObject(tc.input); got != tc.want {
				t.Fatalf("FirstJSONObject(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestDecodeLoose(t *testing.T) {
	type intent struct {
		Subjects []string `json:"subjects"`
		Date     string   `json:"date"`
	}

	var direct intent
	if err := DecodeLoose(`{"subjects":["arsenal"],"date":"2024-05-01"}`, &direct); err != nil {
		t.Fatalf("direct decode: %v", err)
	}
	if len(direct.Subjects) != 1 || direct.Date != "2024-05-01" {
		t.Fatalf("direct decode wrong: %+v", direct)
	}

	var fenced intent
	if err := DecodeLoose("```json\n{\"subjects\":[\"chelsea\"]}\n```", &fenced); err != nil {
		t.Fatalf("fenced decode: %v", err)
	}
	if len(fenced.Subjects) != 1 || fenced.Subjects[0] != "chelsea" {
		t.Fatalf("fenced decode wrong: %+v", fenced)
	}

	var chatty intent
	if err := DecodeLoose(`Here you go: {"date":"2024-05-01"} anything else?`, &chatty); err != nil {
		t.Fatalf("chatty decode: %v", err)
	}
	if chatty.Date != "2024-05-01" {
		t.Fatalf("chatty decode wrong: %+v", chatty)
	}

	var broken intent
	if err := DecodeLoose("no json at all", &broken); err == nil {
		t.Fatal("expected error for unparsable reply")
	}
}
