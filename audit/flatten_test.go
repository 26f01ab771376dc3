package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestFlattenJSON(t *testing.T) {
	input := map[string]any{
		"Properties": map[string]any{
			"image": "ipfs://Qm/1.png",
			"files": []any{"x", map[string]any{"uri": true}},
		},
	}
	flat := FlattenJSON(input, FlattenOptions{MaxDepth: 8, MaxKeys: 100})
	if flat["properties.image"] != "ipfs://Qm/1.png" {
		t.Fatalf("expected properties.image, got %v", flat["properties.image"])
	}
	if flat["properties.files[0]"] != "x" {
		t.Fatalf("expected properties.files[0]=x, got %v", flat["properties.files[0]"])
	}
	if flat["properties.files[1].uri"] != true {
		t.Fatalf("expected properties.files[1].uri=true, got %v", flat["properties.files[1].uri"])
	}
}

func TestFlattenJSON_MaxDepth(t *testing.T) {
	input := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}
	flat := FlattenJSON(input, FlattenOptions{MaxDepth: 1})
	if flat["a.b"] != "<max_depth:1>" {
		t.Fatalf("expected depth marker at a.b, got %v", flat)
	}
}

func TestFlattenJSON_MaxKeysIsStable(t *testing.T) {
	input := map[string]any{}
	for i := 0; i < 50; i++ {
		input[fmt.Sprintf("k%02d", i)] = i
	}
	for i := 0; i < 20; i++ {
		flat := FlattenJSON(input, FlattenOptions{MaxKeys: 10})
		if len(flat) != 10 {
			t.Fatalf("expected 10 keys, got %d", len(flat))
		}
		if _, ok := flat["k09"]; !ok {
			t.Fatalf("expected the first keys in sorted order, got %v", flat)
		}
	}
}

func TestImageFromMetadata_ManyAttributes(t *testing.T) {
	doc := map[string]any{"image": "ipfs://Qm/big.png"}
	attrs := make([]any, 0, 1500)
	for i := 0; i < 1500; i++ {
		attrs = append(attrs, map[string]any{"trait_type": fmt.Sprintf("t%d", i), "value": i})
		doc[fmt.Sprintf("a%04d", i)] = i
	}
	doc["attributes"] = attrs
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		got, err := ImageFromMetadata(body)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if got != "ipfs://Qm/big.png" {
			t.Fatalf("run %d: expected image, got %q", i, got)
		}
	}
}

func TestImageFromMetadata(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"image", `{"name":"x","image":" ipfs://Qm/1.png "}`, "ipfs://Qm/1.png"},
		{"image_url", `{"image":"","image_url":"https://cdn/1.gif"}`, "https://cdn/1.gif"},
		{"image_data", `{"image_data":"<svg xmlns='http://www.w3.org/2000/svg'/>"}`, "<svg xmlns='http://www.w3.org/2000/svg'/>"},
		{"nested", `{"properties":{"image":"ar://tx"}}`, "ar://tx"},
		{"uppercase key", `{"Image":"https://cdn/2.png"}`, "https://cdn/2.png"},
		{"exact key beats folded", `{"IMAGE":"https://cdn/upper.png","image":"https://cdn/lower.png"}`, "https://cdn/lower.png"},
		{"uppercase nested", `{"Properties":{"Image":"ar://tx2"}}`, "ar://tx2"},
		{"description object", `{"properties":{"image":{"type":"string","description":"ipfs://Qm/d.png"}}}`, "ipfs://Qm/d.png"},
		{"literal dotted key", `{"properties.image":"ipfs://Qm/dot.png"}`, "ipfs://Qm/dot.png"},
	}
	for _, tc := range cases {
		got, err := ImageFromMetadata([]byte(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestImageFromMetadata_Errors(t *testing.T) {
	if _, err := ImageFromMetadata([]byte(`{"name":"no image"}`)); !errors.Is(err, ErrNoImageInMetadata) {
		t.Fatalf("expected ErrNoImageInMetadata, got %v", err)
	}
	_, err := ImageFromMetadata([]byte(`{not json`))
	if Classify(err) != KindFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}
