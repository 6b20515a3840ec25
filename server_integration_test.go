package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"cardscan/pkg/blobstore"
	"cardscan/pkg/catalog"
	"cardscan/pkg/ocr"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// switchRecognizer returns whatever the test last configured.
type switchRecognizer struct {
	mu   sync.Mutex
	text string
	err  error
}

func (s *switchRecognizer) set(text string, err error) {
	s.mu.Lock()
	s.text, s.err = text, err
	s.mu.Unlock()
}

func (s *switchRecognizer) Recognize(context.Context, []byte, ocr.Options) (ocr.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ocr.Result{}, s.err
	}
	return ocr.Result{Text: s.text, Confidence: 88}, nil
}

type stubCatalog map[string]catalog.Entry

func (c stubCatalog) LookupExact(_ context.Context, name string) ([]catalog.Entry, error) {
	if e, ok := c[strings.ToLower(name)]; ok {
		return []catalog.Entry{e}, nil
	}
	return nil, nil
}

func (c stubCatalog) LookupFuzzy(_ context.Context, partial string) ([]catalog.Entry, error) {
	var out []catalog.Entry
	for key, e := range c {
		if strings.Contains(key, strings.ToLower(partial)) {
			out = append(out, e)
		}
	}
	return out, nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 59, 86))
	for y := 0; y < 86; y++ {
		for x := 0; x < 59; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x * y) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func setupTestServer(t *testing.T) (*gin.Engine, *switchRecognizer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cardscan.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	migrate(db, logger)
	blobs, err := blobstore.NewFS(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	atk, def, lvl := 2500, 2100, 7
	rec := &switchRecognizer{}
	a := wire(Config{JWTSecret: "test-secret", TokenTTL: time.Hour}, deps{
		db:         db,
		blobs:      blobs,
		recognizer: rec,
		catalog: stubCatalog{"dark magician": {
			ID: 46986414, Name: "Dark Magician", Type: "Normal Monster",
			Desc: "The ultimate wizard in terms of attack and defense.",
			Atk:  &atk, Def: &def, Level: &lvl, Attribute: "DARK",
		}},
	}, logger)
	t.Cleanup(func() { _ = a.Close() })

	r := gin.New()
	newServer(a).setupRoutes(r)
	return r, rec
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", resp.Body.String(), err)
	}
	return out
}

func jsonBody(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func TestFullFlow(t *testing.T) {
	r, rec := setupTestServer(t)

	// 1. Register user
	resp := performRequest(r, http.MethodPost, "/register", jsonBody(map[string]string{"username": "user1", "password": "pass123"}), "", "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("register failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	resp = performRequest(r, http.MethodPost, "/register", jsonBody(map[string]string{"username": "user1", "password": "pass123"}), "", "application/json")
	if resp.Code != http.StatusConflict {
		t.Fatalf("duplicate register status=%d, want 409", resp.Code)
	}

	// 2. Login
	resp = performRequest(r, http.MethodPost, "/login", jsonBody(map[string]string{"username": "user1", "password": "pass123"}), "", "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("login failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	token, _ := decode(t, resp)["token"].(string)
	if token == "" {
		t.Fatal("empty token in login response")
	}

	// 3. Upload a card photo (multipart); it is identified via the catalog
	rec.set("Dark Magician\nDARK\nSpellcaster Normal Monster\nATK/2500 DEF/2100", nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "card.png")
	_, _ = fw.Write(testPNG(t))
	_ = mw.Close()
	resp = performRequest(r, http.MethodPost, "/scans", &buf, token, mw.FormDataContentType())
	if resp.Code != http.StatusOK {
		t.Fatalf("create scan status=%d body=%s", resp.Code, resp.Body.String())
	}
	body := decode(t, resp)
	if body["success"] != true {
		t.Fatalf("scan not identified: %s", resp.Body.String())
	}
	card := body["card"].(map[string]any)
	if card["name"] != "Dark Magician" || card["externalCode"] != "46986414" {
		t.Fatalf("unexpected card %+v", card)
	}
	identifiedID := int(body["scan"].(map[string]any)["id"].(float64))

	// 4. Upload as base64 JSON while recognition fails
	rec.set("", errors.New("tesseract crashed"))
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t))
	resp = performRequest(r, http.MethodPost, "/scans", jsonBody(map[string]string{"image": dataURI}), token, "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("create json scan status=%d body=%s", resp.Code, resp.Body.String())
	}
	body = decode(t, resp)
	failed := body["scan"].(map[string]any)
	if failed["status"] != "failed" {
		t.Fatalf("expected failed scan, got %v", failed["status"])
	}
	failedID := int(failed["id"].(float64))

	// 5. Retrying an identified scan is rejected
	resp = performRequest(r, http.MethodPost, "/scans/"+strconv.Itoa(identifiedID)+"/retry", nil, token, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("retry identified status=%d, want 400", resp.Code)
	}

	// 6. Manual enhancement of the failed scan
	resp = performRequest(r, http.MethodPost, "/scans/"+strconv.Itoa(failedID)+"/enhance", jsonBody(map[string]any{
		"enhancementMode": "manual",
		"manualHints":     map[string]string{"cardName": "Dark Magician"},
	}), token, "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("enhance status=%d body=%s", resp.Code, resp.Body.String())
	}
	body = decode(t, resp)
	if body["enhancementMode"] != "manual" || body["card"].(map[string]any)["name"] != "Dark Magician" {
		t.Fatalf("unexpected enhancement %s", resp.Body.String())
	}
	resp = performRequest(r, http.MethodPost, "/scans/"+strconv.Itoa(failedID)+"/enhance", jsonBody(map[string]any{"enhancementMode": "magic"}), token, "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid mode status=%d, want 400", resp.Code)
	}

	// 7. Listing and lookups
	resp = performRequest(r, http.MethodGet, "/scans?status=identified", nil, token, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("list status=%d", resp.Code)
	}
	if n := len(decode(t, resp)["scans"].([]any)); n != 2 {
		t.Fatalf("listed %d identified scans, want 2", n)
	}
	resp = performRequest(r, http.MethodGet, "/scans?status=bogus", nil, token, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter status=%d, want 400", resp.Code)
	}
	resp = performRequest(r, http.MethodGet, "/scans/9999", nil, token, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("missing scan status=%d, want 404", resp.Code)
	}

	// 8. Metrics are exposed without auth
	resp = performRequest(r, http.MethodGet, "/metrics", nil, "", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "cardscan_scans_total") {
		t.Fatalf("metrics status=%d body missing scan counter", resp.Code)
	}
}

func TestScansRequireToken(t *testing.T) {
	r, _ := setupTestServer(t)
	resp := performRequest(r, http.MethodGet, "/scans", nil, "", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.Code)
	}
	resp = performRequest(r, http.MethodGet, "/scans", nil, "not-a-jwt", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.Code)
	}
}

func TestScansAreOwnerScoped(t *testing.T) {
	r, rec := setupTestServer(t)
	rec.set("Dark Magician", nil)
	tokens := map[string]string{}
	for _, name := range []string{"alice", "bob"} {
		performRequest(r, http.MethodPost, "/register", jsonBody(map[string]string{"username": name, "password": "secret1"}), "", "application/json")
		resp := performRequest(r, http.MethodPost, "/login", jsonBody(map[string]string{"username": name, "password": "secret1"}), "", "application/json")
		tokens[name], _ = decode(t, resp)["token"].(string)
	}
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t))
	resp := performRequest(r, http.MethodPost, "/scans", jsonBody(map[string]string{"image": dataURI}), tokens["alice"], "application/json")
	id := int(decode(t, resp)["scan"].(map[string]any)["id"].(float64))

	resp = performRequest(r, http.MethodGet, "/scans/"+strconv.Itoa(id), nil, tokens["bob"], "")
	if resp.Code != http.StatusForbidden {
		t.Fatalf("foreign scan status=%d, want 403", resp.Code)
	}
}

func TestDetectReturnsRegion(t *testing.T) {
	r, _ := setupTestServer(t)
	performRequest(r, http.MethodPost, "/register", jsonBody(map[string]string{"username": "d", "password": "secret1"}), "", "application/json")
	resp := performRequest(r, http.MethodPost, "/login", jsonBody(map[string]string{"username": "d", "password": "secret1"}), "", "application/json")
	token, _ := decode(t, resp)["token"].(string)

	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t))
	resp = performRequest(r, http.MethodPost, "/detect", jsonBody(map[string]string{"image": dataURI}), token, "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("detect status=%d body=%s", resp.Code, resp.Body.String())
	}
	if n := decode(t, resp)["count"].(float64); n != 1 {
		t.Fatalf("count=%v, want 1", n)
	}
}

func loginToken(t *testing.T, r http.Handler, name string) string {
	t.Helper()
	performRequest(r, http.MethodPost, "/register", jsonBody(map[string]string{"username": name, "password": "secret1"}), "", "application/json")
	resp := performRequest(r, http.MethodPost, "/login", jsonBody(map[string]string{"username": name, "password": "secret1"}), "", "application/json")
	token, _ := decode(t, resp)["token"].(string)
	if token == "" {
		t.Fatalf("login %s failed: %s", name, resp.Body.String())
	}
	return token
}

func TestCreateScanRejectsInternalImageURL(t *testing.T) {
	r, _ := setupTestServer(t)
	token := loginToken(t, r, "u")

	for _, ref := range []string{
		"http://169.254.169.254/latest/meta-data/iam/security-credentials/",
		"http://127.0.0.1:8081/metrics",
		"http://10.0.0.1/card.png",
		"https://images.example.com/card.png",
	} {
		resp := performRequest(r, http.MethodPost, "/scans", jsonBody(map[string]string{"imageUrl": ref}), token, "application/json")
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("imageUrl %s status=%d, want 400 body=%s", ref, resp.Code, resp.Body.String())
		}
		if !strings.Contains(resp.Body.String(), "image URL not allowed") {
			t.Fatalf("imageUrl %s: unexpected body %s", ref, resp.Body.String())
		}
	}

	resp := performRequest(r, http.MethodGet, "/scans", nil, token, "")
	if n := len(decode(t, resp)["scans"].([]any)); n != 0 {
		t.Fatalf("rejected URLs created %d scans", n)
	}
}

func TestListScansReportsEffectiveLimit(t *testing.T) {
	r, _ := setupTestServer(t)
	token := loginToken(t, r, "l")

	for query, want := range map[string]float64{
		"":           20,
		"?limit=5":   5,
		"?limit=0":   20,
		"?limit=-4":  20,
		"?limit=x":   20,
		"?limit=500": 100,
	} {
		resp := performRequest(r, http.MethodGet, "/scans"+query, nil, token, "")
		if resp.Code != http.StatusOK {
			t.Fatalf("list%s status=%d", query, resp.Code)
		}
		if got := decode(t, resp)["limit"]; got != want {
			t.Fatalf("list%s limit=%v, want %v", query, got, want)
		}
	}
}
