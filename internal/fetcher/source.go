package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/canon-cli/internal/config"
	"github.com/sells-group/canon-cli/internal/normalize"
)

// Canonical field names a source column can map onto.
const (
	FieldRecordID     = "record_id"
	FieldName         = "name"
	FieldLegalName    = "legal_name"
	FieldCountry      = "country"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldWebsite      = "website"
	FieldContactName  = "contact_name"
	FieldContactTitle = "contact_title"
	FieldCapturedAt   = "captured_at"
)

// defaultHeaders maps common spreadsheet header spellings onto
// canonical fields. Matching is case-insensitive; per-source overrides
// from the config take precedence.
var defaultHeaders = map[string]string{
	"id":            FieldRecordID,
	"record id":     FieldRecordID,
	"record_id":     FieldRecordID,
	"name":          FieldName,
	"company":       FieldName,
	"company name":  FieldName,
	"organization":  FieldName,
	"legal name":    FieldLegalName,
	"legal_name":    FieldLegalName,
	"country":       FieldCountry,
	"country code":  FieldCountry,
	"country_code":  FieldCountry,
	"email":         FieldEmail,
	"e-mail":        FieldEmail,
	"email address": FieldEmail,
	"phone":         FieldPhone,
	"phone number":  FieldPhone,
	"telephone":     FieldPhone,
	"website":       FieldWebsite,
	"url":           FieldWebsite,
	"web":           FieldWebsite,
	"contact":       FieldContactName,
	"contact name":  FieldContactName,
	"contact_name":  FieldContactName,
	"title":         FieldContactTitle,
	"contact title": FieldContactTitle,
	"contact_title": FieldContactTitle,
	"captured at":   FieldCapturedAt,
	"captured_at":   FieldCapturedAt,
	"date":          FieldCapturedAt,
}

// Fetchers bundles the remote acquisition paths. The zero value reads
// local files only.
type Fetchers struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
}

// downloader fetches a remote source file to a local temp path.
type downloader interface {
	DownloadToFile(ctx context.Context, url string) (string, error)
}

// forPath picks the fetcher matching the path's scheme. A nil downloader
// with ok=true means the path is local.
func (f Fetchers) forPath(path string) (downloader, bool) {
	switch {
	case strings.HasPrefix(path, "ftp://"):
		if f.FTP == nil {
			return nil, false
		}
		return f.FTP, true
	case isRemote(path):
		if f.HTTP == nil {
			return nil, false
		}
		return f.HTTP, true
	default:
		return nil, true
	}
}

// Rows reads one configured source and maps its rows onto the raw-row
// shape. The first spreadsheet row is the header; unmapped columns are
// ignored. Rows without their own record ID get a stable one derived
// from their position.
func Rows(ctx context.Context, fetch Fetchers, src config.SourceConfig) ([]normalize.RawRow, error) {
	path := src.Path
	dl, ok := fetch.forPath(path)
	if !ok {
		return nil, eris.Errorf("fetcher: source %s has remote path but no matching fetcher", src.Name)
	}
	if dl != nil {
		local, err := dl.DownloadToFile(ctx, path)
		if err != nil {
			return nil, err
		}
		defer os.Remove(local)
		path = local
	}

	cells, err := readTable(path, src)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, nil
	}

	fieldByCol := mapHeader(cells[0], src)
	if _, ok := hasField(fieldByCol, FieldName); !ok {
		return nil, eris.Errorf("fetcher: source %s has no recognizable name column", src.Name)
	}

	rows := make([]normalize.RawRow, 0, len(cells)-1)
	for i, line := range cells[1:] {
		if blankLine(line) {
			continue
		}
		row := normalize.RawRow{}
		for col, field := range fieldByCol {
			if col >= len(line) {
				continue
			}
			setField(&row, field, line[col])
		}
		if row.RecordID == "" {
			row.RecordID = "row-" + strconv.Itoa(i+2) // 1-based, after the header
		}
		rows = append(rows, row)
	}

	zap.L().Info("fetcher: source loaded",
		zap.String("source", src.Name),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

func readTable(path string, src config.SourceConfig) ([][]string, error) {
	format := src.Format
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".xlsx", ".xlsm":
			format = "xlsx"
		default:
			format = "csv"
		}
	}
	switch format {
	case "xlsx":
		return ReadXLSX(path, src.Sheet)
	case "csv":
		return ReadCSV(path)
	default:
		return nil, eris.Errorf("fetcher: source %s has unknown format %q", src.Name, format)
	}
}

// mapHeader resolves each header cell to a canonical field. Config
// overrides win; header lookup is case-insensitive on both sides.
func mapHeader(header []string, src config.SourceConfig) map[int]string {
	overrides := make(map[string]string, len(src.Columns))
	for k, v := range src.Columns {
		overrides[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}

	fieldByCol := make(map[int]string, len(header))
	for col, cell := range header {
		key := strings.ToLower(strings.TrimSpace(cell))
		if key == "" {
			continue
		}
		if field, ok := overrides[key]; ok {
			fieldByCol[col] = field
			continue
		}
		if field, ok := defaultHeaders[key]; ok {
			fieldByCol[col] = field
		}
	}
	return fieldByCol
}

func hasField(fieldByCol map[int]string, want string) (int, bool) {
	for col, field := range fieldByCol {
		if field == want {
			return col, true
		}
	}
	return 0, false
}

func setField(row *normalize.RawRow, field, value string) {
	switch field {
	case FieldRecordID:
		row.RecordID = strings.TrimSpace(value)
	case FieldName:
		row.Name = value
	case FieldLegalName:
		row.LegalName = value
	case FieldCountry:
		row.CountryCode = value
	case FieldEmail:
		row.Email = value
	case FieldPhone:
		row.Phone = value
	case FieldWebsite:
		row.Website = value
	case FieldContactName:
		row.ContactName = value
	case FieldContactTitle:
		row.ContactTitle = value
	case FieldCapturedAt:
		row.CapturedAt = strings.TrimSpace(value)
	}
}

func blankLine(line []string) bool {
	for _, cell := range line {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
