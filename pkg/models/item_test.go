package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewItem_Defaults(t *testing.T) {
	item := NewItem(ItemTypeArticle, "Go memory model")

	if item.ID == "" {
		t.Error("Expected generated ID")
	}
	if item.Status != ItemStatusPending {
		t.Errorf("Expected pending status, got %s", item.Status)
	}
	if item.CreatedAt.IsZero() || item.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
}

func TestItemType_Valid(t *testing.T) {
	for _, typ := range AllItemTypes {
		if !typ.Valid() {
			t.Errorf("Expected %s to be valid", typ)
		}
	}
	if ItemType("video").Valid() {
		t.Error("Expected unknown type to be invalid")
	}
}

func TestItem_MarshalJSON(t *testing.T) {
	item := NewItem(ItemTypeArticle, "Title")
	item.URL = NullString("https://example.com/a")
	item.RawContent = NullString("<html>raw</html>")
	item.Content = NullString("processed text")
	item.Tags = []string{"go", "concurrency"}

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if out["url"] != "https://example.com/a" {
		t.Errorf("Expected flattened url, got %v", out["url"])
	}
	if out["content"] != "processed text" {
		t.Errorf("Expected flattened content, got %v", out["content"])
	}
	if _, present := out["raw_content"]; present {
		t.Error("Expected raw_content to be excluded from API responses")
	}
	if _, present := out["summary"]; present {
		t.Error("Expected empty summary to be omitted")
	}
}

func TestItem_JSONRoundTrip(t *testing.T) {
	item := NewItem(ItemTypeArticle, "Title")
	item.URL = NullString("https://example.com/a")
	item.Summary = NullString("short summary")
	item.Content = NullString("processed text")
	item.Metadata = JSONMap{"lang": "Go"}
	item.Tags = []string{"go"}
	item.AccessCount = 3

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var back Item
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if back.ID != item.ID || back.Type != item.Type || back.Title != item.Title {
		t.Errorf("Identity fields did not survive: %+v", back)
	}
	if !back.Summary.Valid || back.Summary.String != "short summary" {
		t.Errorf("Expected summary to round-trip, got %+v", back.Summary)
	}
	if !back.URL.Valid || back.URL.String != "https://example.com/a" {
		t.Errorf("Expected url to round-trip, got %+v", back.URL)
	}
	if back.AccessCount != 3 {
		t.Errorf("Expected access count 3, got %d", back.AccessCount)
	}
	if !back.CreatedAt.Equal(item.CreatedAt.Truncate(time.Second)) {
		t.Errorf("Expected created_at to round-trip at second precision, got %v", back.CreatedAt)
	}

	var results []*SearchResult
	payload, err := json.Marshal([]*SearchResult{{Item: item, Score: 0.5, MatchedByText: true}})
	if err != nil {
		t.Fatalf("Marshal results failed: %v", err)
	}
	if err := json.Unmarshal(payload, &results); err != nil {
		t.Fatalf("Unmarshal results failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.Title != "Title" {
		t.Errorf("Expected search results to round-trip, got %+v", results)
	}
}

func TestJSONMap_ScanValue(t *testing.T) {
	m := JSONMap{"stars": float64(12), "lang": "Go"}

	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned JSONMap
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned["lang"] != "Go" {
		t.Errorf("Expected lang Go, got %v", scanned["lang"])
	}

	var nilMap JSONMap
	if err := nilMap.Scan(nil); err != nil {
		t.Fatalf("Scan nil failed: %v", err)
	}
	if nilMap != nil {
		t.Error("Expected nil map from nil scan")
	}
}
