// Package proxy scrapes a public HTTPS proxy list and picks an entry for a run.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const DefaultListURL = "https://www.sslproxies.org"

var ErrNoTable = errors.New("no proxy table found")

type Proxy struct {
	Address string `json:"address"`
	Port    string `json:"port"`
}

// URL returns the proxy in the form accepted by an HTTP transport.
func (p Proxy) URL() string {
	return "http://" + p.Address + ":" + p.Port
}

type Scraper struct {
	client *resty.Client
	url    string
}

func NewScraper(listURL string, timeout time.Duration) *Scraper {
	if listURL == "" {
		listURL = DefaultListURL
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	return &Scraper{client: client, url: listURL}
}

// List downloads the proxy page and reads the first table on it. Rows without
// an address or a port are skipped.
func (s *Scraper) List(ctx context.Context) ([]Proxy, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("requesting proxy list: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("requesting proxy list: unexpected status %d", resp.StatusCode())
	}
	return Parse(resp.Body())
}

// Parse extracts proxies from an HTML page whose first table has
// "IP Address" and "Port" header cells.
func Parse(page []byte) ([]Proxy, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parsing proxy list: %w", err)
	}

	table := doc.Find("table").First()
	var header []string
	table.Find("thead tr th").Each(func(_ int, th *goquery.Selection) {
		header = append(header, strings.TrimSpace(th.Text()))
	})
	if len(header) == 0 {
		return nil, ErrNoTable
	}

	var proxies []Proxy
	table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
		row := make(map[string]string, len(header))
		tr.Find("td").Each(func(i int, td *goquery.Selection) {
			if i < len(header) {
				row[header[i]] = strings.TrimSpace(td.Text())
			}
		})
		p := Proxy{Address: row["IP Address"], Port: row["Port"]}
		if p.Address == "" || p.Port == "" {
			return
		}
		proxies = append(proxies, p)
	})
	return proxies, nil
}

// Pick returns one entry chosen uniformly at random, or nil for an empty list.
func Pick(list []Proxy, rnd *rand.Rand) *Proxy {
	if len(list) == 0 {
		return nil
	}
	p := list[rnd.Intn(len(list))]
	return &p
}
