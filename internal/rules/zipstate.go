package rules

// ZIP-prefix to jurisdiction inference, used when a contact record carries a
// postal code but no state. Three-digit prefixes are enough to identify the
// state for all USPS assignments.

type zipRange struct {
	lo, hi int // inclusive 3-digit prefix range
	state  string
}

// USPS 3-digit prefix allocation by state.
var zipRanges = []zipRange{
	{5, 5, "NY"}, // Holtsville
	{6, 9, "PR"},
	{10, 27, "MA"},
	{28, 29, "RI"},
	{30, 38, "NH"},
	{39, 49, "ME"},
	{50, 54, "VT"},
	{55, 55, "MA"},
	{56, 56, "VT"},
	{57, 59, "CT"},
	{60, 69, "CT"},
	{70, 89, "NJ"},
	{100, 149, "NY"},
	{150, 196, "PA"},
	{197, 199, "DE"},
	{200, 200, "DC"},
	{201, 201, "VA"},
	{202, 205, "DC"},
	{206, 219, "MD"},
	{220, 246, "VA"},
	{247, 268, "WV"},
	{270, 289, "NC"},
	{290, 299, "SC"},
	{300, 319, "GA"},
	{320, 349, "FL"},
	{350, 369, "AL"},
	{370, 385, "TN"},
	{386, 397, "MS"},
	{398, 399, "GA"},
	{400, 427, "KY"},
	{430, 459, "OH"},
	{460, 479, "IN"},
	{480, 499, "MI"},
	{500, 528, "IA"},
	{530, 549, "WI"},
	{550, 567, "MN"},
	{570, 577, "SD"},
	{580, 588, "ND"},
	{590, 599, "MT"},
	{600, 629, "IL"},
	{630, 658, "MO"},
	{660, 679, "KS"},
	{680, 693, "NE"},
	{700, 714, "LA"},
	{716, 729, "AR"},
	{730, 749, "OK"},
	{750, 799, "TX"},
	{800, 816, "CO"},
	{820, 831, "WY"},
	{832, 838, "ID"},
	{840, 847, "UT"},
	{850, 865, "AZ"},
	{870, 884, "NM"},
	{885, 885, "TX"},
	{889, 898, "NV"},
	{900, 961, "CA"},
	{967, 968, "HI"},
	{970, 979, "OR"},
	{980, 994, "WA"},
	{995, 999, "AK"},
}

// StateFromZip resolves a two-letter state code from a ZIP code, or ""
// when the code is malformed or unassigned.
func StateFromZip(zip string) string {
	digits := 0
	prefix := 0
	for _, r := range zip {
		if r < '0' || r > '9' {
			break
		}
		prefix = prefix*10 + int(r-'0')
		digits++
		if digits == 3 {
			break
		}
	}
	if digits < 3 {
		return ""
	}
	for _, zr := range zipRanges {
		if prefix >= zr.lo && prefix <= zr.hi {
			return zr.state
		}
	}
	return ""
}
