package transport

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // SWORDv2 mandates Content-MD5
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deposit-orchestrator/internal/domain"
)

const (
	ProtocolSWORD = "sword"

	defaultSWORDPackaging = "http://purl.org/net/sword/package/SimpleZip"
	swordStatementRel     = "http://purl.org/net/sword/terms/statement"
	swordStateScheme      = "http://purl.org/net/sword/terms/state"
	maxAtomBody           = 1 << 20
)

// SWORD deposits packages into a SWORDv2 collection.
type SWORD struct{}

func NewSWORD() *SWORD {
	return &SWORD{}
}

func (t *SWORD) Protocol() string {
	return ProtocolSWORD
}

type swordSession struct {
	client     *http.Client
	collection *url.URL
	cfg        Config
	auth       func(*http.Request)
}

func (t *SWORD) Open(ctx context.Context, cfg Config) (Session, error) {
	collection, err := parseEndpoint(cfg, KeyCollectionURL)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.Require(KeyUsername); err != nil {
		return nil, err
	}
	client, timeout, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	auth := basicAuth(cfg)

	code, err := probeHTTP(ctx, client, collection.String(), timeout, auth)
	if err != nil {
		return nil, err
	}
	switch {
	case isUnavailable(code):
		return nil, &ConnectionError{Endpoint: collection.Host, Err: fmt.Errorf("collection returned %d", code)}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &ConfigurationError{Key: KeyUsername, Reason: fmt.Sprintf("credentials refused (%d)", code)}
	}

	return &swordSession{client: client, collection: collection, cfg: cfg, auth: auth}, nil
}

func (s *swordSession) Send(ctx context.Context, pkg Package) (Receipt, error) {
	sum := md5.Sum(pkg.Body) //nolint:gosec
	packaging := pkg.Packaging
	if packaging == "" {
		packaging = s.cfg.String(KeyPackaging, defaultSWORDPackaging)
	}
	mediaType := pkg.MediaType
	if mediaType == "" {
		mediaType = "application/zip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.collection.String(), bytes.NewReader(pkg.Body))
	if err != nil {
		return Receipt{}, err
	}
	req.ContentLength = int64(len(pkg.Body))
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": pkg.Name}))
	req.Header.Set("Content-MD5", hex.EncodeToString(sum[:]))
	req.Header.Set("Packaging", packaging)
	req.Header.Set("In-Progress", "false")
	if obo := s.cfg.String(KeyOnBehalfOf, ""); obo != "" {
		req.Header.Set("On-Behalf-Of", obo)
	}
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, asConnectionError(s.collection.Host, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case isUnavailable(resp.StatusCode):
		return Receipt{}, &ConnectionError{Endpoint: s.collection.Host, Err: fmt.Errorf("deposit returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Receipt{}, &ProtocolRejection{StatusCode: resp.StatusCode, Reason: swordErrorReason(resp.Body)}
	default:
		return Receipt{}, fmt.Errorf("sword deposit failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	// a Location header is enough to follow the deposit even when the
	// receipt body is unreadable
	doc, decodeErr := decodeAtom(resp.Body)
	locator := resp.Header.Get("Location")
	if locator == "" {
		locator = doc.link("edit")
	}
	if locator == "" {
		if decodeErr != nil {
			return Receipt{}, fmt.Errorf("sword deposit receipt carries no edit IRI: %w", decodeErr)
		}
		return Receipt{}, errors.New("sword deposit receipt carries no edit IRI")
	}

	status := domain.DepositStatusSubmitted
	if st, ok := doc.state(); ok {
		status = st
	}
	return Receipt{Locator: locator, Status: status, Message: strings.TrimSpace(doc.Summary)}, nil
}

func (s *swordSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// QueryStatus follows the deposit's edit IRI to its statement and maps the
// repository state term onto a deposit status.
func (t *SWORD) QueryStatus(ctx context.Context, cfg Config, locator string) (domain.DepositStatus, error) {
	client, _, err := newHTTPClient(cfg)
	if err != nil {
		return "", err
	}
	defer client.CloseIdleConnections()
	auth := basicAuth(cfg)

	entry, err := fetchAtom(ctx, client, locator, auth)
	if err != nil {
		return "", err
	}
	if st, ok := entry.state(); ok {
		return st, nil
	}
	statementURL := entry.link(swordStatementRel)
	if statementURL == "" {
		return domain.DepositStatusSubmitted, nil
	}
	statement, err := fetchAtom(ctx, client, statementURL, auth)
	if err != nil {
		return "", err
	}
	if st, ok := statement.state(); ok {
		return st, nil
	}
	return domain.DepositStatusSubmitted, nil
}

func (t *SWORD) CheckConnectivity(ctx context.Context, cfg Config) bool {
	collection, err := parseEndpoint(cfg, KeyCollectionURL)
	if err != nil {
		return false
	}
	client, timeout, err := newHTTPClient(cfg)
	if err != nil {
		return false
	}
	defer client.CloseIdleConnections()
	code, err := probeHTTP(ctx, client, collection.String(), timeout, basicAuth(cfg))
	return err == nil && code < http.StatusInternalServerError
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type atomCategory struct {
	Scheme string `xml:"scheme,attr"`
	Term   string `xml:"term,attr"`
}

// atomDocument covers the parts of atom entries, statements and sword error
// documents that are read here. Element names match regardless of namespace.
type atomDocument struct {
	Links      []atomLink     `xml:"link"`
	Categories []atomCategory `xml:"category"`
	Summary    string         `xml:"summary"`
	Verbose    string         `xml:"verboseDescription"`
}

func (d atomDocument) link(rel string) string {
	for _, l := range d.Links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

func (d atomDocument) state() (domain.DepositStatus, bool) {
	for _, c := range d.Categories {
		if c.Scheme != swordStateScheme {
			continue
		}
		term := strings.ToLower(c.Term)
		if i := strings.LastIndexAny(term, "/#"); i >= 0 {
			term = term[i+1:]
		}
		switch term {
		case "archived", "published", "accepted":
			return domain.DepositStatusAccepted, true
		case "withdrawn", "rejected":
			return domain.DepositStatusRejected, true
		default:
			return domain.DepositStatusSubmitted, true
		}
	}
	return "", false
}

func decodeAtom(r io.Reader) (atomDocument, error) {
	var doc atomDocument
	err := xml.NewDecoder(io.LimitReader(r, maxAtomBody)).Decode(&doc)
	return doc, err
}

func fetchAtom(ctx context.Context, client *http.Client, target string, auth func(*http.Request)) (atomDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return atomDocument{}, err
	}
	req.Header.Set("Accept", "application/atom+xml")
	auth(req)

	resp, err := client.Do(req)
	if err != nil {
		return atomDocument{}, asConnectionError(req.URL.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return atomDocument{}, fmt.Errorf("get %s: status %d", target, resp.StatusCode)
	}
	doc, err := decodeAtom(resp.Body)
	if err != nil {
		return atomDocument{}, fmt.Errorf("decode atom from %s: %w", target, err)
	}
	return doc, nil
}

func swordErrorReason(r io.Reader) string {
	raw := readErrorBody(r)
	var doc atomDocument
	if err := xml.Unmarshal([]byte(raw), &doc); err == nil {
		if s := strings.TrimSpace(doc.Summary); s != "" {
			return s
		}
		if s := strings.TrimSpace(doc.Verbose); s != "" {
			return s
		}
	}
	return raw
}
