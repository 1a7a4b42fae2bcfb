package autarco

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/raterudder/autarco-bridge/pkg/types"
)

// maxValue bounds parsed numbers to what a float64 represents exactly.
const maxValue = 1 << 53

type apiKPIs struct {
	PVNow       json.Number     `json:"pv_now"`
	PVToDate    json.Number     `json:"pv_to_date"`
	LastUpdated json.RawMessage `json:"last_updated"`
}

// apiResponse accepts the KPIs either at the top level or nested under
// stats.kpis.
type apiResponse struct {
	apiKPIs
	Stats struct {
		KPIs apiKPIs `json:"kpis"`
	} `json:"stats"`
}

func decodeKPIs(name string, body []byte) (apiKPIs, error) {
	var res apiResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return apiKPIs{}, parseError("invalid %s response: %v", name, err)
	}
	kpis := res.apiKPIs
	if kpis.PVNow == "" {
		kpis.PVNow = res.Stats.KPIs.PVNow
	}
	if kpis.PVToDate == "" {
		kpis.PVToDate = res.Stats.KPIs.PVToDate
	}
	if isNull(kpis.LastUpdated) {
		kpis.LastUpdated = res.Stats.KPIs.LastUpdated
	}
	return kpis, nil
}

// parseAPI builds a record from the power and energy KPI responses.
func parseAPI(power, energy []byte) (types.StatsRecord, error) {
	p, err := decodeKPIs("power", power)
	if err != nil {
		return types.StatsRecord{}, err
	}
	e, err := decodeKPIs("energy", energy)
	if err != nil {
		return types.StatsRecord{}, err
	}

	currentW, err := parseNumber("pv_now", p.PVNow)
	if err != nil {
		return types.StatsRecord{}, err
	}
	totalKWh, err := parseNumber("pv_to_date", e.PVToDate)
	if err != nil {
		return types.StatsRecord{}, err
	}

	raw := p.LastUpdated
	if isNull(raw) {
		raw = e.LastUpdated
	}
	lastUpdated, err := parseTimestamp(raw)
	if err != nil {
		return types.StatsRecord{}, err
	}

	return newRecord(currentW, totalKWh, lastUpdated)
}

var (
	powerUnits  = map[string]float64{"w": 1, "kw": 1e3, "mw": 1e6}
	energyUnits = map[string]float64{"wh": 1e-3, "kwh": 1, "mwh": 1e3}

	// commas only ever group thousands, "1,5" is rejected rather than read as 15
	quantityPattern = regexp.MustCompile(`^(-?(?:[0-9]{1,3}(?:,[0-9]{3})+|[0-9]+)(?:\.[0-9]+)?)\s*([A-Za-z]*)$`)
)

// parseHTML reads the values from the site dashboard page.
func parseHTML(body []byte) (types.StatsRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return types.StatsRecord{}, parseError("invalid html: %v", err)
	}

	currentW, err := parseQuantity(doc, "#pv-now", powerUnits)
	if err != nil {
		return types.StatsRecord{}, err
	}
	totalKWh, err := parseQuantity(doc, "#pv-to-date", energyUnits)
	if err != nil {
		return types.StatsRecord{}, err
	}

	sel := doc.Find("#last-updated").First()
	if sel.Length() == 0 {
		return types.StatsRecord{}, parseError("missing last_updated")
	}
	var ts string
	if v, ok := sel.Attr("data-timestamp"); ok {
		ts = v
	} else if v, ok := sel.Attr("datetime"); ok {
		ts = v
	} else if v, ok := sel.Find("time[datetime]").First().Attr("datetime"); ok {
		ts = v
	} else {
		return types.StatsRecord{}, parseError("last_updated has no timestamp")
	}
	lastUpdated, err := parseTimestampString(ts)
	if err != nil {
		return types.StatsRecord{}, err
	}

	return newRecord(currentW, totalKWh, lastUpdated)
}

// parseQuantity reads a number with an optional unit like "1.2 kW" from the
// element matched by selector and converts it to the base unit. Commas are
// treated as thousands separators.
func parseQuantity(doc *goquery.Document, selector string, units map[string]float64) (int64, error) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return 0, parseError("missing %s", selector)
	}
	text := strings.Join(strings.Fields(sel.Text()), " ")
	m := quantityPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, parseError("%s is not numeric: %q", selector, text)
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, parseError("%s is not numeric: %q", selector, text)
	}
	if m[2] != "" {
		mult, ok := units[strings.ToLower(m[2])]
		if !ok {
			return 0, parseError("%s has unknown unit %q", selector, m[2])
		}
		f *= mult
	}
	return roundNumber(selector, f)
}

func parseNumber(field string, n json.Number) (int64, error) {
	if n == "" {
		return 0, parseError("missing %s", field)
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, parseError("%s is not numeric: %q", field, n.String())
	}
	return roundNumber(field, f)
}

func roundNumber(field string, f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxValue {
		return 0, parseError("%s is out of range: %v", field, f)
	}
	return int64(math.Round(f)), nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return 0, parseError("missing last_updated")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, parseError("invalid last_updated: %v", err)
		}
		return parseTimestampString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, parseError("last_updated is not a timestamp: %s", raw)
	}
	return numericTimestamp(n)
}

// parseTimestampString accepts unix seconds or milliseconds, RFC3339, or a
// plain date time which is assumed to be UTC.
func parseTimestampString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, parseError("missing last_updated")
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return numericTimestamp(json.Number(s))
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, parseError("last_updated is not a timestamp: %q", s)
}

func numericTimestamp(n json.Number) (int64, error) {
	ts, err := parseNumber("last_updated", n)
	if err != nil {
		return 0, err
	}
	// milliseconds
	if ts > 1e12 {
		ts /= 1000
	}
	if ts <= 0 {
		return 0, parseError("last_updated is not a valid timestamp: %d", ts)
	}
	return ts, nil
}

func newRecord(currentW, totalKWh, lastUpdated int64) (types.StatsRecord, error) {
	// inverters draw a little power at night which shows up as negative
	// production, just set it to 0
	if currentW < 0 {
		currentW = 0
	}
	rec := types.StatsRecord{
		CurrentW:    int(currentW),
		TotalKWh:    int(totalKWh),
		LastUpdated: lastUpdated,
	}
	if err := rec.Validate(); err != nil {
		return types.StatsRecord{}, parseError("invalid record: %v", err)
	}
	return rec, nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}
