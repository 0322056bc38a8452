package protocol

// Static identifier substitution tables.
//
// Long-lived, low-cardinality identifiers (room names, object names) travel
// as small integers instead of strings. Every node in a session must carry
// the same tables byte-for-byte: a drifted table decodes to the wrong name
// silently rather than failing. An identifier missing from its table is
// transmitted as its truncated literal string.

// DefaultRoom is the identifier of the starting room.
const DefaultRoom = "whous"

// RoomIDs maps room identifiers to their wire integers.
var RoomIDs = map[string]int{
	// House area
	"whous": 1, // West of House
	"lroom": 2, // Living Room
	"kitch": 3, // Kitchen
	"attic": 4, // Attic
	"cella": 5, // Cellar

	// Forest / outside
	"fore1": 10,
	"fore2": 11,
	"fore3": 12,
	"clear": 13,
	"path1": 14,
	"glade": 15,
	"cany1": 16,
	"cany2": 17,

	// Underground, main
	"mtrol": 20, // Troll Room
	"studi": 21,
	"mgall": 22, // Gallery
	"maint": 23,
	"dam":   24,
	"damlo": 25,
	"reser": 26,
	"strea": 27,
	"rroom": 28, // Round Room
	"droom": 29, // Dome Room
	"torch": 30, // Torch Room

	// Maze
	"maze1": 40,
	"maze2": 41,
	"maze3": 42,
	"maze4": 43,
	"maze5": 44,
	"mazed": 45, // Dead End

	// Temple / Hades
	"templ": 50,
	"egypt": 51,
	"altar": 52,
	"cave1": 53,
	"entrc": 54, // Entrance to Hades
	"llair": 55, // Land of the Dead

	// Coal mine
	"coal1": 60,
	"coal2": 61,
	"coal3": 62,
	"coal4": 63,
	"mmach": 64, // Machine Room
	"msafe": 65,

	// Volcano
	"vlbot": 70,
	"vlair": 71,
	"vair1": 72,
	"vair2": 73,

	// Bank
	"bkent": 80,
	"bktel": 81,
	"bkvau": 82,
	"bksdp": 83,

	// Special
	"carou": 90, // Carousel Room
	"lld2":  91, // Loud Room
	"riddl": 92,
	"cyclo": 93, // Cyclops Room
	"treas": 94,
	"mirro": 95,
}

// ObjectIDs maps object identifiers to their wire integers.
var ObjectIDs = map[string]int{
	// Light sources
	"lamp":  1,
	"candl": 2,
	"match": 3,
	"torch": 4,

	// Weapons
	"sword":  10,
	"knife":  11,
	"axe":    12,
	"stilet": 13,

	// Treasures
	"egg":    20,
	"jewel":  21,
	"coins":  22,
	"bar":    23,
	"diamo":  24,
	"trunk":  25,
	"troph":  26,
	"paint":  27,
	"chalc":  28,
	"sceptr": 29,
	"bauble": 30,
	"pot":    31,
	"emera":  32,
	"scarab": 33,
	"figur":  34,
	"gold":   35,

	// Containers
	"mailb":  40,
	"bag":    41,
	"chest":  42,
	"case":   43,
	"boat":   44,
	"basket": 45,
	"safe":   46,
	"buoy":   47,

	// Tools and items
	"leafl":  50,
	"key":    51,
	"keys":   52,
	"rope":   53,
	"food":   54,
	"bottl":  55,
	"water":  56,
	"garli":  57,
	"coal":   58,
	"scrwdr": 59,
	"wrench": 60,
	"pump":   61,
	"label":  62,
	"guide":  63,
	"news":   64,
	"map":    65,
	"stick":  66,
	"brick":  67,
	"skull":  68,
	"bell":   69,
	"book":   70,
	"candls": 71,

	// Doors and fixtures
	"door":     80,
	"grate":    81,
	"trapdoor": 82,
	"rug":      83,
	"pile":     84,
	"butto":    85,

	// NPCs
	"thief": 90,
	"troll": 91,
	"cyclo": 92,
	"ghost": 93,
	"vampi": 94,
}

// RoomNames is the reverse room table, built at init.
var RoomNames = reverse(RoomIDs)

// ObjectNames is the reverse object table, built at init.
var ObjectNames = reverse(ObjectIDs)

func reverse(ids map[string]int) map[int]string {
	names := make(map[int]string, len(ids))
	for name, id := range ids {
		names[id] = name
	}
	return names
}

// roomRef encodes a room identifier as its table integer, falling back to
// the truncated literal. Empty rooms encode as nil and are omitted.
func roomRef(room string) any {
	if room == "" {
		return nil
	}
	if id, ok := RoomIDs[room]; ok {
		return id
	}
	return truncate(room, MaxTokenLen)
}

// objectRef mirrors roomRef for object identifiers.
func objectRef(object string) any {
	if object == "" {
		return nil
	}
	if id, ok := ObjectIDs[object]; ok {
		return id
	}
	return truncate(object, MaxTokenLen)
}

// refName resolves a decoded wire reference (integer, literal string, or
// absent) against the given reverse table. Unknown integers resolve to the
// empty string; table drift is silent by design.
func refName(v any, names map[int]string) string {
	switch ref := v.(type) {
	case nil:
		return ""
	case float64:
		return names[int(ref)]
	case string:
		return ref
	default:
		return ""
	}
}
