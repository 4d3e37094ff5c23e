package client

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Result codes that indicate a successful page.
var successCodes = map[string]bool{"00": true, "000": true}

// noDataCode is returned by some RTMS services instead of an empty item list.
const noDataCode = "03"

type jsonEnvelope struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items      json.RawMessage `json:"items"`
			NumOfRows  flexInt         `json:"numOfRows"`
			PageNo     flexInt         `json:"pageNo"`
			TotalCount flexInt         `json:"totalCount"`
		} `json:"body"`
	} `json:"response"`
}

// flexInt accepts both 1037 and "1037".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

// errorEnvelope is the XML error body the gateway returns with HTTP 200.
type errorEnvelope struct {
	XMLName xml.Name `xml:"OpenAPI_ServiceResponse"`
	Header  struct {
		ErrMsg           string `xml:"errMsg"`
		ReturnAuthMsg    string `xml:"returnAuthMsg"`
		ReturnReasonCode string `xml:"returnReasonCode"`
	} `xml:"cmmMsgHeader"`
}

type xmlEnvelope struct {
	XMLName xml.Name `xml:"response"`
	Header  struct {
		ResultCode string `xml:"resultCode"`
		ResultMsg  string `xml:"resultMsg"`
	} `xml:"header"`
	Body struct {
		Items struct {
			Item []xmlItem `xml:"item"`
		} `xml:"items"`
		NumOfRows  int `xml:"numOfRows"`
		PageNo     int `xml:"pageNo"`
		TotalCount int `xml:"totalCount"`
	} `xml:"body"`
}

type xmlItem struct {
	Fields []struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	} `xml:",any"`
}

// decodePage parses one response body. It returns an *APIError for embedded
// error envelopes, non-success result headers and unparseable bodies.
func decodePage(body []byte, status int) (*Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &APIError{Class: ErrorClassDecode, StatusCode: status, Message: "empty response body"}
	}

	if trimmed[0] == '<' {
		if bytes.Contains(trimmed, []byte("<OpenAPI_ServiceResponse")) {
			return nil, decodeErrorEnvelope(trimmed, status)
		}
		return decodeXMLPage(trimmed, status)
	}
	return decodeJSONPage(trimmed, status)
}

func decodeErrorEnvelope(body []byte, status int) error {
	var env errorEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return &APIError{Class: ErrorClassDecode, StatusCode: status, Message: "malformed error envelope", Err: err}
	}
	msg := env.Header.ReturnAuthMsg
	if env.Header.ErrMsg != "" {
		if msg != "" {
			msg = env.Header.ErrMsg + ": " + msg
		} else {
			msg = env.Header.ErrMsg
		}
	}
	return &APIError{
		Class:      classifyReason(env.Header.ReturnReasonCode),
		StatusCode: status,
		ReasonCode: env.Header.ReturnReasonCode,
		Message:    msg,
	}
}

func checkResultCode(code, msg string, status int) error {
	if code == "" || successCodes[code] || code == noDataCode {
		return nil
	}
	return &APIError{
		Class:      classifyReason(strings.TrimLeft(code, "0")),
		StatusCode: status,
		ReasonCode: code,
		Message:    msg,
	}
}

func decodeJSONPage(body []byte, status int) (*Page, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &APIError{Class: ErrorClassDecode, StatusCode: status, Message: "malformed JSON body", Err: err}
	}
	h := env.Response.Header
	if err := checkResultCode(h.ResultCode, h.ResultMsg, status); err != nil {
		return nil, err
	}

	items, err := decodeJSONItems(env.Response.Body.Items)
	if err != nil {
		return nil, &APIError{Class: ErrorClassDecode, StatusCode: status, Message: "malformed items", Err: err}
	}

	b := env.Response.Body
	return &Page{
		Items:      items,
		PageNo:     int(b.PageNo),
		NumOfRows:  int(b.NumOfRows),
		TotalCount: int(b.TotalCount),
	}, nil
}

// decodeJSONItems handles the upstream's items shapes: "" when there are no
// items, {"item": {...}} for a single item and {"item": [...]} otherwise.
func decodeJSONItems(raw json.RawMessage) ([]RawRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var wrapper struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	item := bytes.TrimSpace(wrapper.Item)
	if len(item) == 0 || bytes.Equal(item, []byte("null")) {
		return nil, nil
	}

	dec := func(b []byte, v any) error {
		d := json.NewDecoder(bytes.NewReader(b))
		d.UseNumber()
		return d.Decode(v)
	}

	if item[0] == '{' {
		var one RawRecord
		if err := dec(item, &one); err != nil {
			return nil, err
		}
		return []RawRecord{one}, nil
	}

	var many []RawRecord
	if err := dec(item, &many); err != nil {
		return nil, err
	}
	return many, nil
}

func decodeXMLPage(body []byte, status int) (*Page, error) {
	var env xmlEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, &APIError{Class: ErrorClassDecode, StatusCode: status, Message: "malformed XML body", Err: err}
	}
	if err := checkResultCode(env.Header.ResultCode, env.Header.ResultMsg, status); err != nil {
		return nil, err
	}

	items := make([]RawRecord, 0, len(env.Body.Items.Item))
	for _, it := range env.Body.Items.Item {
		rec := make(RawRecord, len(it.Fields))
		for _, f := range it.Fields {
			rec[f.XMLName.Local] = strings.TrimSpace(f.Value)
		}
		items = append(items, rec)
	}

	return &Page{
		Items:      items,
		PageNo:     env.Body.PageNo,
		NumOfRows:  env.Body.NumOfRows,
		TotalCount: env.Body.TotalCount,
	}, nil
}
