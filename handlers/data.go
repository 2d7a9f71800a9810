package handlers

import (
	"hash/fnv"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The data endpoints stand in for the hosted data service this engine
// gates. Payloads are deterministic per symbol; the real adapters live
// outside this core.

type QuoteResponse struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type SeriesPoint struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

type SeriesResponse struct {
	Symbol string        `json:"symbol"`
	Points []SeriesPoint `json:"points"`
}

func (s *Server) DataQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeErrorResponse(w, http.StatusBadRequest, "symbol required")
		return
	}

	writeJSON(w, http.StatusOK, QuoteResponse{
		Symbol:    symbol,
		Price:     basePrice(symbol),
		Timestamp: time.Now(),
	})
}

func (s *Server) DataSeries(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeErrorResponse(w, http.StatusBadRequest, "symbol required")
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 365 {
			writeErrorResponse(w, http.StatusBadRequest, "days must be between 1 and 365")
			return
		}
		days = parsed
	}

	base := basePrice(symbol)
	points := make([]SeriesPoint, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := time.Now().AddDate(0, 0, -i)
		drift := math.Sin(float64(i)/5.0) * base * 0.02
		points = append(points, SeriesPoint{
			Date:  day.Format("2006-01-02"),
			Close: math.Round((base+drift)*100) / 100,
		})
	}

	writeJSON(w, http.StatusOK, SeriesResponse{
		Symbol: symbol,
		Points: points,
	})
}

func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%98000)/100.0
}
