package schema

// Table names of the built-in schemas.
const (
	TableRegionCd    = "REGIONCD"
	TableBuilding    = "BUILDING"
	TableOfficeHotel = "OFFICE_HOTEL"
)

// Built-in schemas, keyed by source type name. Dandok and yeonlip share the
// BUILDING table and are told apart by BUILDING_TYPE.
var (
	RegionCd = MustNew(TableRegionCd,
		Column{Field: "sido_cd", Name: "SIDO_CD", Kind: KindString, MaxSize: 8},
		Column{Field: "sgg_cd", Name: "SGG_CD", Kind: KindString, MaxSize: 12},
		Column{Field: "umd_cd", Name: "UMD_CD", Kind: KindString, MaxSize: 12},
		Column{Field: "locatadd_nm", Name: "LOCATADD_NM", Kind: KindString, MaxSize: 400},
		Column{Field: "latitude", Name: "LATITUDE", Kind: KindNumber},
		Column{Field: "longitude", Name: "LONGITUDE", Kind: KindNumber},
	)

	Dandok = MustNew(TableBuilding, buildingColumns("totalFloorAr", "buildingName")...)

	Yeonlip = MustNew(TableBuilding, buildingColumns("excluUseAr", "mhouseNm")...)

	OfficeHotel = MustNew(TableOfficeHotel,
		Column{Field: "sggCd", Name: "SGGCD", Kind: KindString, MaxSize: 20},
		Column{Field: "umdNm", Name: "UMDNM", Kind: KindString, MaxSize: 80},
		Column{Field: "excluUseAr", Name: "EXCLU_USE_AR", Kind: KindNumber},
		Column{Field: "floor", Name: "FLOOR", Kind: KindNumber},
		Column{Field: "buildYear", Name: "BUILD_YEAR", Kind: KindNumber},
		Column{Field: "deposit", Name: "DEPOSIT", Kind: KindNumber},
		Column{Field: "monthlyRent", Name: "MONTHLY_RENT", Kind: KindNumber},
		Column{Field: "makeDealDate", Name: "DEALDATE", Kind: KindDate},
		Column{Field: "jibun", Name: "JIBUN", Kind: KindString, MaxSize: 80},
		Column{Field: "offiNm", Name: "BUILDING_NAME", Kind: KindString, MaxSize: 1200},
	)
)

func buildingColumns(areaField, nameField string) []Column {
	return []Column{
		{Field: "buildingType", Name: "BUILDING_TYPE", Kind: KindNumber},
		{Field: "sggCd", Name: "SGGCD", Kind: KindString, MaxSize: 20},
		{Field: "umdNm", Name: "UMDNM", Kind: KindString, MaxSize: 80},
		{Field: areaField, Name: "TOTAL_FLOOR_AR", Kind: KindNumber},
		{Field: "floor", Name: "FLOOR", Kind: KindNumber},
		{Field: "buildYear", Name: "BUILD_YEAR", Kind: KindNumber},
		{Field: "deposit", Name: "DEPOSIT", Kind: KindNumber},
		{Field: "monthlyRent", Name: "MONTHLY_RENT", Kind: KindNumber},
		{Field: "makeDealDate", Name: "DEALDATE", Kind: KindDate},
		{Field: "jibun", Name: "JIBUN", Kind: KindString, MaxSize: 80},
		{Field: nameField, Name: "BUILDING_NAME", Kind: KindString, MaxSize: 1200},
		{Field: "houseType", Name: "HOUSE_TYPE", Kind: KindString, MaxSize: 120},
	}
}

var builtin = map[string]FieldSchema{
	"regionCd":    RegionCd,
	"dandok":      Dandok,
	"yeonlip":     Yeonlip,
	"officeHotel": OfficeHotel,
}

// Builtin returns the built-in schema for a source type name.
func Builtin(sourceType string) (FieldSchema, bool) {
	s, ok := builtin[sourceType]
	return s, ok
}

// BuiltinTables returns the tables of all built-in schemas, deduplicated.
func BuiltinTables() []string {
	return []string{TableRegionCd, TableBuilding, TableOfficeHotel}
}
