// Package testutil provides testing utilities for the RTMS harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockRTMSResponse defines a canned response for one page request.
type MockRTMSResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration

	// Drop closes the connection without writing a response.
	Drop bool
}

type pageKey struct {
	region string
	period string
	page   int
}

type failure struct {
	resp      MockRTMSResponse
	remaining int
}

// MockRTMS is a configurable mock of the RTMS page API. It serves datasets
// per (LAWD_CD, DEAL_YMD), paginated by pageNo/numOfRows, and can inject
// failures for specific pages.
type MockRTMS struct {
	server *httptest.Server
	mu     sync.RWMutex

	datasets map[string][]map[string]any
	failures map[pageKey]*failure

	// ServiceKey, when set, is required on every request; mismatches get reason code 30.
	ServiceKey string

	// Tracking
	RequestCount int
	pageRequests map[pageKey]int
}

// NewMockRTMS creates a new mock RTMS server.
func NewMockRTMS() *MockRTMS {
	mock := &MockRTMS{
		datasets:     make(map[string][]map[string]any),
		failures:     make(map[pageKey]*failure),
		pageRequests: make(map[pageKey]int),
	}

	// Without keep-alives the transport never replays a dropped request on a
	// reused connection, so every injected failure reaches the caller.
	mock.server = httptest.NewUnstartedServer(http.HandlerFunc(mock.handle))
	mock.server.Config.SetKeepAlivesEnabled(false)
	mock.server.Start()
	return mock
}

// URL returns the mock server URL.
func (m *MockRTMS) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRTMS) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockRTMS) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.pageRequests = make(map[pageKey]int)
}

// SetDataset registers the full item list for a region and period.
func (m *MockRTMS) SetDataset(region, period string, items []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[region+"/"+period] = items
}

// FailPage makes the next times requests for page return resp.
func (m *MockRTMS) FailPage(region, period string, page, times int, resp MockRTMSResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[pageKey{region, period, page}] = &failure{resp: resp, remaining: times}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockRTMS) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// PageRequests returns how often a page was requested.
func (m *MockRTMS) PageRequests(region, period string, page int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageRequests[pageKey{region, period, page}]
}

func (m *MockRTMS) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNo, _ := strconv.Atoi(q.Get("pageNo"))
	numOfRows, _ := strconv.Atoi(q.Get("numOfRows"))
	if pageNo < 1 {
		pageNo = 1
	}
	if numOfRows < 1 {
		numOfRows = 10
	}
	key := pageKey{q.Get("LAWD_CD"), q.Get("DEAL_YMD"), pageNo}

	m.mu.Lock()
	m.RequestCount++
	m.pageRequests[key]++
	var injected *MockRTMSResponse
	if f, ok := m.failures[key]; ok && f.remaining > 0 {
		f.remaining--
		resp := f.resp
		injected = &resp
	}
	serviceKey := m.ServiceKey
	items := m.datasets[key.region+"/"+key.period]
	m.mu.Unlock()

	if serviceKey != "" && q.Get("serviceKey") != serviceKey {
		writeResponse(w, NewErrorEnvelopeResponse("30", "SERVICE_KEY_IS_NOT_REGISTERED_ERROR"))
		return
	}

	if injected != nil {
		writeResponse(w, *injected)
		return
	}

	start := (pageNo - 1) * numOfRows
	end := start + numOfRows
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	writeResponse(w, NewPageResponse(items[start:end], pageNo, numOfRows, len(items)))
}

func writeResponse(w http.ResponseWriter, resp MockRTMSResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	if resp.Drop {
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewPageResponse renders a JSON success envelope.
func NewPageResponse(items []map[string]any, pageNo, numOfRows, totalCount int) MockRTMSResponse {
	var itemsField any = ""
	if len(items) > 0 {
		itemsField = map[string]any{"item": items}
	}

	body, _ := json.Marshal(map[string]any{
		"response": map[string]any{
			"header": map[string]any{"resultCode": "000", "resultMsg": "OK"},
			"body": map[string]any{
				"items":      itemsField,
				"numOfRows":  numOfRows,
				"pageNo":     pageNo,
				"totalCount": totalCount,
			},
		},
	})

	return MockRTMSResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json;charset=UTF-8"},
	}
}

// NewErrorEnvelopeResponse renders the gateway's XML error envelope with HTTP 200.
func NewErrorEnvelopeResponse(reasonCode, authMsg string) MockRTMSResponse {
	body := fmt.Sprintf(`<OpenAPI_ServiceResponse>
	<cmmMsgHeader>
		<errMsg>SERVICE ERROR</errMsg>
		<returnAuthMsg>%s</returnAuthMsg>
		<returnReasonCode>%s</returnReasonCode>
	</cmmMsgHeader>
</OpenAPI_ServiceResponse>`, authMsg, reasonCode)

	return MockRTMSResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "text/xml;charset=UTF-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockRTMSResponse {
	return MockRTMSResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "Internal Server Error",
	}
}

// NewDroppedResponse closes the connection mid-request.
func NewDroppedResponse() MockRTMSResponse {
	return MockRTMSResponse{Drop: true}
}

// DealItems generates n dandok-shaped items for region and period.
func DealItems(region, period string, n int) []map[string]any {
	year, month := period[:4], period[4:]
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"sggCd":        region,
			"umdNm":        "역삼동",
			"totalFloorAr": 84.5,
			"buildYear":    2001,
			"deposit":      fmt.Sprintf("%d,%03d", 10+i%90, i%1000),
			"monthlyRent":  strconv.Itoa(i % 150),
			"dealYear":     year,
			"dealMonth":    month,
			"dealDay":      strconv.Itoa(1 + i%28),
			"jibun":        strconv.Itoa(100 + i),
			"houseType":    "단독",
			"contractType": "",
		}
	}
	return items
}
