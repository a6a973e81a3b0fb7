package transform

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

type country struct {
	alpha2 string
	alpha3 string
	names  []string
}

var countries = []country{
	{"AE", "ARE", []string{"united arab emirates", "uae"}},
	{"AR", "ARG", []string{"argentina"}},
	{"AT", "AUT", []string{"austria", "osterreich"}},
	{"AU", "AUS", []string{"australia"}},
	{"BD", "BGD", []string{"bangladesh"}},
	{"BE", "BEL", []string{"belgium", "belgique", "belgie"}},
	{"BG", "BGR", []string{"bulgaria"}},
	{"BR", "BRA", []string{"brazil", "brasil"}},
	{"CA", "CAN", []string{"canada"}},
	{"CH", "CHE", []string{"switzerland", "schweiz", "suisse", "svizzera"}},
	{"CL", "CHL", []string{"chile"}},
	{"CN", "CHN", []string{"china", "people's republic of china", "prc"}},
	{"CO", "COL", []string{"colombia"}},
	{"CR", "CRI", []string{"costa rica"}},
	{"CY", "CYP", []string{"cyprus"}},
	{"CZ", "CZE", []string{"czech republic", "czechia"}},
	{"DE", "DEU", []string{"germany", "deutschland"}},
	{"DK", "DNK", []string{"denmark", "danmark"}},
	{"DO", "DOM", []string{"dominican republic"}},
	{"DZ", "DZA", []string{"algeria"}},
	{"EC", "ECU", []string{"ecuador"}},
	{"EE", "EST", []string{"estonia"}},
	{"EG", "EGY", []string{"egypt"}},
	{"ES", "ESP", []string{"spain", "espana"}},
	{"FI", "FIN", []string{"finland", "suomi"}},
	{"FR", "FRA", []string{"france"}},
	{"GB", "GBR", []string{"united kingdom", "uk", "great britain", "britain", "england", "scotland", "wales", "northern ireland"}},
	{"GH", "GHA", []string{"ghana"}},
	{"GR", "GRC", []string{"greece"}},
	{"GT", "GTM", []string{"guatemala"}},
	{"HK", "HKG", []string{"hong kong"}},
	{"HR", "HRV", []string{"croatia", "hrvatska"}},
	{"HU", "HUN", []string{"hungary"}},
	{"ID", "IDN", []string{"indonesia"}},
	{"IE", "IRL", []string{"ireland"}},
	{"IL", "ISR", []string{"israel"}},
	{"IN", "IND", []string{"india"}},
	{"IS", "ISL", []string{"iceland"}},
	{"IT", "ITA", []string{"italy", "italia"}},
	{"JM", "JAM", []string{"jamaica"}},
	{"JO", "JOR", []string{"jordan"}},
	{"JP", "JPN", []string{"japan"}},
	{"KE", "KEN", []string{"kenya"}},
	{"KR", "KOR", []string{"south korea", "korea", "republic of korea"}},
	{"KW", "KWT", []string{"kuwait"}},
	{"KZ", "KAZ", []string{"kazakhstan"}},
	{"LB", "LBN", []string{"lebanon"}},
	{"LK", "LKA", []string{"sri lanka"}},
	{"LT", "LTU", []string{"lithuania"}},
	{"LU", "LUX", []string{"luxembourg"}},
	{"LV", "LVA", []string{"latvia"}},
	{"MA", "MAR", []string{"morocco"}},
	{"MT", "MLT", []string{"malta"}},
	{"MX", "MEX", []string{"mexico"}},
	{"MY", "MYS", []string{"malaysia"}},
	{"NG", "NGA", []string{"nigeria"}},
	{"NL", "NLD", []string{"netherlands", "the netherlands", "holland", "nederland"}},
	{"NO", "NOR", []string{"norway", "norge"}},
	{"NZ", "NZL", []string{"new zealand"}},
	{"PA", "PAN", []string{"panama"}},
	{"PE", "PER", []string{"peru"}},
	{"PH", "PHL", []string{"philippines"}},
	{"PK", "PAK", []string{"pakistan"}},
	{"PL", "POL", []string{"poland", "polska"}},
	{"PR", "PRI", []string{"puerto rico"}},
	{"PT", "PRT", []string{"portugal"}},
	{"PY", "PRY", []string{"paraguay"}},
	{"QA", "QAT", []string{"qatar"}},
	{"RO", "ROU", []string{"romania"}},
	{"RS", "SRB", []string{"serbia"}},
	{"RU", "RUS", []string{"russia", "russian federation"}},
	{"SA", "SAU", []string{"saudi arabia"}},
	{"SE", "SWE", []string{"sweden", "sverige"}},
	{"SG", "SGP", []string{"singapore"}},
	{"SI", "SVN", []string{"slovenia"}},
	{"SK", "SVK", []string{"slovakia"}},
	{"SV", "SLV", []string{"el salvador"}},
	{"TH", "THA", []string{"thailand"}},
	{"TN", "TUN", []string{"tunisia"}},
	{"TR", "TUR", []string{"turkey", "turkiye"}},
	{"TW", "TWN", []string{"taiwan"}},
	{"UA", "UKR", []string{"ukraine"}},
	{"US", "USA", []string{"united states", "united states of america", "usa", "us", "america"}},
	{"UY", "URY", []string{"uruguay"}},
	{"VE", "VEN", []string{"venezuela"}},
	{"VN", "VNM", []string{"vietnam", "viet nam"}},
	{"ZA", "ZAF", []string{"south africa"}},
}

var (
	countryByName   = make(map[string]string)
	countryByAlpha3 = make(map[string]string)
	countryAlpha2   = make(map[string]struct{})
)

func init() {
	for _, c := range countries {
		countryAlpha2[c.alpha2] = struct{}{}
		countryByAlpha3[c.alpha3] = c.alpha2
		for _, n := range c.names {
			countryByName[n] = c.alpha2
		}
	}
}

// normalizeCountry 小写、去除变音符号并合并空白
func normalizeCountry(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// countryCode 国家名转 ISO-3166 alpha-2，无法识别时原样返回
func countryCode(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if code := strings.ToUpper(strings.TrimSpace(s)); len(code) == 2 {
		if _, ok := countryAlpha2[code]; ok {
			return code
		}
	} else if len(code) == 3 {
		if a2, ok := countryByAlpha3[code]; ok {
			return a2
		}
	}
	if a2, ok := countryByName[normalizeCountry(s)]; ok {
		return a2
	}
	return v
}
