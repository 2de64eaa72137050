package progressserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/shelvd/internal/domain"
)

// DefaultURLTTL is how long a signed file URL stays valid
const DefaultURLTTL = 15 * time.Minute

var (
	bookExts  = map[string]domain.Format{".epub": domain.FormatEPUB, ".pdf": domain.FormatPDF, ".txt": domain.FormatText}
	coverExts = []string{".jpg", ".jpeg", ".png"}
)

// Library serves the documents of a directory. Files are named
// "<id>-<title-words>.<ext>"; a cover is "<id>.jpg" or "<id>.png".
type Library struct {
	dir    string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewLibrary creates a library over dir that signs file URLs with secret
func NewLibrary(dir string, secret []byte) *Library {
	return &Library{dir: dir, secret: secret, ttl: DefaultURLTTL, now: time.Now}
}

type libraryEntry struct {
	doc   domain.Document
	file  string
	cover string
}

// lookup finds the book and cover files of id
func (l *Library) lookup(id int64) (*libraryEntry, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read library: %w", err)
	}

	prefix := strconv.FormatInt(id, 10)
	e := &libraryEntry{doc: domain.Document{ID: id}}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		ext := strings.ToLower(filepath.Ext(name))
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		idPart, title, _ := strings.Cut(stem, "-")
		if idPart != prefix {
			continue
		}

		if format, ok := bookExts[ext]; ok && e.file == "" {
			e.file = name
			e.doc.Format = format
			e.doc.Title = strings.ReplaceAll(title, "-", " ")
			continue
		}
		for _, ce := range coverExts {
			if ext == ce && stem == prefix {
				e.cover = name
			}
		}
	}

	if e.file == "" {
		return nil, domain.ErrNotFound
	}
	if e.doc.Title == "" {
		e.doc.Title = "Document " + prefix
	}
	return e, nil
}

// sign returns a time-limited URL path for a library file
func (l *Library) sign(name string) string {
	expires := strconv.FormatInt(l.now().Add(l.ttl).Unix(), 10)
	return "/files/" + url.PathEscape(name) + "?expires=" + expires + "&sig=" + l.mac(name, expires)
}

// verify checks a signed file URL
func (l *Library) verify(name, expires, sig string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || l.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(l.mac(name, expires)))
}

func (l *Library) mac(name, expires string) string {
	m := hmac.New(sha256.New, l.secret)
	m.Write([]byte(name + "|" + expires))
	return hex.EncodeToString(m.Sum(nil))
}

// path returns the on-disk path of a file name, rejecting anything outside dir
func (l *Library) path(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return filepath.Join(l.dir, name), true
}
