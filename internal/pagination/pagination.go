package pagination

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultLimit    = 20
	MaxLimit        = 100
	MaxVisiblePages = 5
)

// Params are page-based list parameters.
type Params struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// FromQuery reads page and limit from a query string, falling back to
// defaults for missing or malformed values.
func FromQuery(q url.Values) Params {
	p := Params{Page: atoi(q.Get("page")), Limit: atoi(q.Get("limit"))}
	p.Validate()
	return p
}

// Validate ensures pagination parameters are within valid ranges
func (p *Params) Validate() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
}

// Pagination is the navigation block sent next to a page of results.
type Pagination struct {
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	Total       int   `json:"total"`
	TotalPages  int   `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrev     bool  `json:"has_prev"`
	Pages       []int `json:"pages"`
}

func New(page, perPage, total, totalPages int) Pagination {
	if totalPages < 1 {
		totalPages = 1
	}
	return Pagination{
		CurrentPage: page,
		PerPage:     perPage,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrev:     page > 1,
		Pages:       Window(page, totalPages, MaxVisiblePages),
	}
}

// Window returns up to size consecutive page numbers centred on current,
// shifted so it never runs past either end.
func Window(current, totalPages, size int) []int {
	if totalPages < 1 || size < 1 {
		return []int{}
	}
	start := max(1, current-size/2)
	end := min(totalPages, start+size-1)
	if end-start+1 < size {
		start = max(1, end-size+1)
	}

	pages := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		pages = append(pages, i)
	}
	return pages
}

func atoi(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}
