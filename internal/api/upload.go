package api

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"pricestat/internal/models"
)

const maxUploadBytes = 32 << 20

type startRequest struct {
	rows []models.Row
	from time.Time
	to   time.Time
}

type startBody struct {
	Rows       []models.Row `json:"rows"`
	PeriodFrom string       `json:"periodFrom"`
	PeriodTo   string       `json:"periodTo"`
}

// parseStart reads either a JSON body or a multipart upload with a `file` part.
func parseStart(r *http.Request) (startRequest, error) {
	var (
		rows     []models.Row
		from, to string
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return startRequest{}, invalid("invalid multipart body: " + err.Error())
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			return startRequest{}, invalid("file is required")
		}
		defer file.Close()

		switch strings.ToLower(filepath.Ext(hdr.Filename)) {
		case ".xlsx":
			rows, err = ReadXLSXRows(file)
		case ".csv":
			rows, err = ReadCSVRows(file)
		default:
			return startRequest{}, invalid(fmt.Sprintf("unsupported file type %q", hdr.Filename))
		}
		if err != nil {
			return startRequest{}, invalid(err.Error())
		}
		from, to = r.FormValue("periodFrom"), r.FormValue("periodTo")
	} else {
		var body startBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return startRequest{}, invalid("invalid json")
		}
		rows = cleanRows(body.Rows)
		from, to = body.PeriodFrom, body.PeriodTo
	}

	if len(rows) == 0 {
		return startRequest{}, invalid("no rows to process")
	}
	fromT, err := models.ParsePeriod(from)
	if err != nil {
		return startRequest{}, invalid("periodFrom: " + err.Error())
	}
	toT, err := models.ParsePeriod(to)
	if err != nil {
		return startRequest{}, invalid("periodTo: " + err.Error())
	}
	if fromT.After(toT) {
		return startRequest{}, invalid("periodFrom is after periodTo")
	}
	return startRequest{rows: rows, from: fromT, to: toT}, nil
}

// ReadXLSXRows reads article and brand from the first two columns of the first sheet.
func ReadXLSXRows(r io.Reader) ([]models.Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("workbook has no sheets")
	}
	cells, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return rowsFromCells(cells), nil
}

// ReadCSVRows reads article and brand from the first two columns. A semicolon delimiter is
// detected from the first line.
func ReadCSVRows(r io.Reader) ([]models.Row, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if i := bytes.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if bytes.Count(first, []byte{';'}) > bytes.Count(first, []byte{','}) {
		cr.Comma = ';'
	}
	cells, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rowsFromCells(cells), nil
}

func rowsFromCells(cells [][]string) []models.Row {
	rows := make([]models.Row, 0, len(cells))
	for _, c := range cells {
		var row models.Row
		if len(c) > 0 {
			row.Article = c[0]
		}
		if len(c) > 1 {
			row.Brand = c[1]
		}
		rows = append(rows, row)
	}
	return cleanRows(rows)
}

// cleanRows trims cells and drops rows without an article. The first non-blank row is dropped
// when it is a header.
func cleanRows(in []models.Row) []models.Row {
	out := make([]models.Row, 0, len(in))
	first := true
	for _, row := range in {
		row.Article = strings.TrimSpace(strings.TrimPrefix(row.Article, "\ufeff"))
		row.Brand = strings.TrimSpace(row.Brand)
		if row.Article == "" {
			continue
		}
		if first {
			first = false
			if isHeader(row.Article) {
				continue
			}
		}
		out = append(out, row)
	}
	return out
}

func isHeader(cell string) bool {
	switch strings.ToLower(cell) {
	case "article", "артикул":
		return true
	}
	return false
}
