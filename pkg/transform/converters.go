package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
)

// Building type discriminants of the shared BUILDING table.
const (
	BuildingTypeDandok  = 1
	BuildingTypeYeonlip = 2
)

var converters = map[client.SourceType]Converter{
	client.SourceDandok:      withBuildingType(Deal, BuildingTypeDandok),
	client.SourceYeonlip:     withBuildingType(Deal, BuildingTypeYeonlip),
	client.SourceOfficeHotel: Deal,
	client.SourceRegionCd:    Identity,
}

// ConverterFor returns the converter of a source type.
func ConverterFor(source client.SourceType) (Converter, bool) {
	c, ok := converters[source]
	return c, ok
}

// Identity copies the record.
func Identity(rec client.RawRecord) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Deal converts a rent transaction record: deposit and monthlyRent lose their
// thousand separators and makeDealDate is built from dealYear, dealMonth and dealDay.
func Deal(rec client.RawRecord) map[string]any {
	out := Identity(rec)
	out["deposit"] = stripSeparators(rec["deposit"])
	out["monthlyRent"] = stripSeparators(rec["monthlyRent"])
	out["makeDealDate"] = dealDate(rec["dealYear"], rec["dealMonth"], rec["dealDay"])
	return out
}

func withBuildingType(conv Converter, buildingType int) Converter {
	return func(rec client.RawRecord) map[string]any {
		out := conv(rec)
		out["buildingType"] = buildingType
		return out
	}
}

func stripSeparators(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}

// dealDate returns the date, "" when any part is missing, or the raw
// composite when a part is not numeric so that binding reports it.
func dealDate(year, month, day any) any {
	ys, ms, ds := text(year), text(month), text(day)
	if ys == "" || ms == "" || ds == "" {
		return ""
	}

	y, errY := strconv.Atoi(ys)
	m, errM := strconv.Atoi(ms)
	d, errD := strconv.Atoi(ds)
	if errY != nil || errM != nil || errD != nil || m < 1 || m > 12 || d < 1 || d > 31 {
		return fmt.Sprintf("%s-%s-%s", ys, ms, ds)
	}

	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(m) {
		// 2023-02-30 would normalize into March.
		return fmt.Sprintf("%s-%s-%s", ys, ms, ds)
	}
	return t
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
