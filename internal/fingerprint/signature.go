package fingerprint

import "strings"

// signatureCodes maps build event names to their signature letter, per race.
// Names are matched case-insensitively with spaces removed.
var signatureCodes = map[string]map[string]byte{
	"T": {
		"scv":               's',
		"supplydepot":       'd',
		"refinery":          'g',
		"barracks":          'b',
		"commandcenter":     'c',
		"orbitalcommand":    'o',
		"factory":           'f',
		"starport":          'p',
		"engineeringbay":    'e',
		"bunker":            'k',
		"armory":            'a',
		"marine":            'm',
		"marauder":          'r',
		"reaper":            'q',
		"hellion":           'h',
		"widowmine":         'w',
		"siegetank":         't',
		"cyclone":           'y',
		"medivac":           'v',
		"liberator":         'l',
		"viking":            'i',
		"banshee":           'n',
		"thor":              'x',
		"battlecruiser":     'z',
		"ghost":             'u',
		"planetaryfortress": 'j',
	},
	"Z": {
		"drone":            's',
		"overlord":         'd',
		"extractor":        'g',
		"spawningpool":     'b',
		"hatchery":         'c',
		"queen":            'o',
		"roachwarren":      'f',
		"banelingnest":     'e',
		"lair":             'l',
		"spire":            'p',
		"hydraliskden":     'h',
		"evolutionchamber": 'v',
		"zergling":         'm',
		"baneling":         'n',
		"roach":            'r',
		"ravager":          'a',
		"hydralisk":        'y',
		"mutalisk":         'u',
		"corruptor":        'k',
		"infestor":         'i',
		"swarmhost":        'w',
		"lurker":           'q',
		"ultralisk":        'x',
		"broodlord":        'z',
		"spinecrawler":     't',
		"sporecrawler":     'j',
	},
	"P": {
		"probe":            's',
		"pylon":            'd',
		"assimilator":      'g',
		"gateway":          'b',
		"nexus":            'c',
		"cyberneticscore":  'o',
		"warpgate":         'w',
		"roboticsfacility": 'f',
		"stargate":         'p',
		"forge":            'e',
		"twilightcouncil":  'l',
		"photoncannon":     'j',
		"shieldbattery":    'k',
		"zealot":           'm',
		"stalker":          'r',
		"sentry":           'y',
		"adept":            'a',
		"immortal":         'i',
		"colossus":         'x',
		"observer":         'v',
		"warpprism":        'n',
		"oracle":           'q',
		"voidray":          'h',
		"phoenix":          'u',
		"darktemplar":      't',
		"carrier":          'z',
	},
}

// SignatureCode returns the letter for one build event name, or 0 when the
// name is not part of the signature alphabet.
func SignatureCode(race, name string) byte {
	codes := signatureCodes[RaceCode(race)]
	if codes == nil {
		return 0
	}
	key := strings.ToLower(strings.ReplaceAll(name, " ", ""))
	return codes[key]
}

// Signature derives the compact race-prefixed signature from a build order,
// for example "T:ssdsgbmmm". Upgrades and unknown names are skipped.
func Signature(race string, events []BuildEvent) string {
	rc := RaceCode(race)
	if rc == "" {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(events) + 2)
	sb.WriteString(rc)
	sb.WriteByte(':')
	for _, ev := range events {
		if ev.Kind == "upgrade" {
			continue
		}
		if c := SignatureCode(rc, ev.Name); c != 0 {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
