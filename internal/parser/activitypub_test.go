package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/tomodachi/internal/model"
)

// TestActivityPubFetch はアクター→アウトボックス→先頭ページの解決と
// アクティビティの変換をテストする。
func TestActivityPubFetch(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/actor", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprintf(w, `{
			"@context": "https://www.w3.org/ns/activitystreams",
			"id": "%s/actor",
			"type": "Person",
			"name": "ひとし",
			"outbox": "%s/outbox"
		}`, ts.URL, ts.URL)
	})
	mux.HandleFunc("/outbox", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		if r.URL.Query().Get("page") == "" {
			fmt.Fprintf(w, `{
				"@context": "https://www.w3.org/ns/activitystreams",
				"type": "OrderedCollection",
				"first": "%s/outbox?page=1"
			}`, ts.URL)
			return
		}
		fmt.Fprint(w, `{
			"@context": "https://www.w3.org/ns/activitystreams",
			"type": "OrderedCollectionPage",
			"orderedItems": [
				{
					"id": "https://friend.example.com/activities/1",
					"type": "Create",
					"actor": "https://friend.example.com/actor",
					"published": "2023-11-14T22:13:20Z",
					"object": {
						"id": "https://friend.example.com/notes/1",
						"type": "Note",
						"content": "<p>短文投稿です</p>",
						"published": "2023-11-14T22:13:20Z",
						"attributedTo": "https://friend.example.com/actor"
					}
				},
				{
					"id": "https://friend.example.com/activities/2",
					"type": "Like",
					"object": "https://other.example.com/notes/9"
				},
				{
					"id": "https://friend.example.com/activities/3",
					"type": "Announce",
					"actor": "https://friend.example.com/actor",
					"published": "2023-11-15T00:00:00Z",
					"object": "https://other.example.com/notes/7"
				}
			]
		}`)
	})

	parser := NewActivityPubParser(newTestClient(), testLogger())
	feed := &model.Feed{ID: "f1", URL: ts.URL + "/actor"}

	items, err := parser.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}
	// Like活動はスキップされ、CreateとAnnounceのみ取り込まれる
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	note := items[0]
	if note.Permalink() != "https://friend.example.com/notes/1" {
		t.Errorf("Permalink = %q", note.Permalink())
	}
	if note.ExternalID() != "https://friend.example.com/notes/1" {
		t.Errorf("ExternalID = %q", note.ExternalID())
	}
	if note.PostFormat() != model.PostFormatStatus {
		t.Errorf("PostFormat = %q, expected status", note.PostFormat())
	}
	if note.Date() != 1700000000 {
		t.Errorf("Date = %d, expected 1700000000", note.Date())
	}

	announce := items[1]
	if announce.Permalink() != "https://other.example.com/notes/7" {
		t.Errorf("announce Permalink = %q", announce.Permalink())
	}
	if reblog, _ := announce.Meta(SlugActivityPub)["reblog"].(bool); !reblog {
		t.Error("announce should carry reblog marker")
	}

	if feed.Title != "ひとし" {
		t.Errorf("feed.Title = %q, expected アクター名", feed.Title)
	}
}

// TestActivityPubConvertDelete はDeleteアクティビティが削除済みアイテムに
// 変換されることをテストする。objectのID文字列とTombstoneの両形式を扱う。
func TestActivityPubConvertDelete(t *testing.T) {
	parser := NewActivityPubParser(newTestClient(), testLogger())

	byString := parser.convertActivity(&apActivity{
		ID:     "https://friend.example.com/activities/4",
		Type:   "Delete",
		Object: []byte(`"https://friend.example.com/notes/1"`),
	})
	if byString == nil {
		t.Fatal("ID文字列のDeleteが変換されなかった")
	}
	if !byString.Deleted() {
		t.Error("削除フラグが立っていない")
	}
	if byString.Permalink() != "https://friend.example.com/notes/1" {
		t.Errorf("Permalink = %q", byString.Permalink())
	}
	if byString.ExternalID() != "https://friend.example.com/notes/1" {
		t.Errorf("ExternalID = %q", byString.ExternalID())
	}

	byTombstone := parser.convertActivity(&apActivity{
		ID:     "https://friend.example.com/activities/5",
		Type:   "Delete",
		Object: []byte(`{"id": "https://friend.example.com/notes/2", "type": "Tombstone"}`),
	})
	if byTombstone == nil {
		t.Fatal("TombstoneのDeleteが変換されなかった")
	}
	if !byTombstone.Deleted() || byTombstone.ExternalID() != "https://friend.example.com/notes/2" {
		t.Errorf("Deleted = %v, ExternalID = %q", byTombstone.Deleted(), byTombstone.ExternalID())
	}

	if got := parser.convertActivity(&apActivity{Type: "Delete", Object: []byte(`{}`)}); got != nil {
		t.Error("対象IDを持たないDeleteはスキップされるべき")
	}
}

// TestActivityPubConfidence は信頼度スコアリングをテストする。
func TestActivityPubConfidence(t *testing.T) {
	parser := NewActivityPubParser(newTestClient(), testLogger())

	tests := []struct {
		name     string
		url      string
		mimeType string
		sample   string
		want     int
	}{
		{"activity+json", "https://example.com/actor", "application/activity+json", "", ConfidenceHigh},
		{"ld+json", "https://example.com/actor", "application/ld+json", "", ConfidenceHigh},
		{"JSON + ActivityStreams", "https://example.com/a", "application/json", `{"@context":"https://www.w3.org/ns/activitystreams"}`, ConfidenceMedium},
		{"URLヒントのみ", "https://example.com/users/hitoshi", "text/plain", "", ConfidenceLow},
		{"非対応", "https://example.com/about", "text/html", "<html>", ConfidenceNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parser.Confidence(tt.url, tt.mimeType, "", []byte(tt.sample))
			if got != tt.want {
				t.Errorf("Confidence() = %d, expected %d", got, tt.want)
			}
		})
	}
}
