package remote

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	rootFolder    = "EncryptedVault"
	keysFolder    = "keys"
	manifestName  = "manifest.json"
	wrappedKeyExt = ".key.enc"
	dayLayout     = "2006-01-02"
)

var dayRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// userRoot returns the per-user tree root, EncryptedVault/<userID>.
func userRoot(userID string) string {
	return path.Join(rootFolder, userID)
}

// dayPath returns the folder containers uploaded on day land in.
func dayPath(userID string, day time.Time) string {
	return path.Join(userRoot(userID), day.UTC().Format(dayLayout))
}

func containerPath(userID string, day time.Time, filename string) string {
	return path.Join(dayPath(userID, day), filename)
}

func manifestPath(userID, day string) string {
	return path.Join(userRoot(userID), day, manifestName)
}

// wrappedKeyPath names the sealed DEK object for a key hash. Only the
// leading 16 hex characters go into the name; the full hash is inside the
// container headers anyway.
func wrappedKeyPath(userID, dekHash string) string {
	short := dekHash
	if len(short) > 16 {
		short = short[:16]
	}
	return path.Join(userRoot(userID), keysFolder, short+wrappedKeyExt)
}

// dayOf extracts the date segment from an object name under the user root,
// such as EncryptedVault/<userID>/2026-08-23/file.etcr.
func dayOf(userID, name string) (string, bool) {
	rel := strings.TrimPrefix(name, userRoot(userID)+"/")
	if rel == name {
		return "", false
	}
	seg, _, _ := strings.Cut(rel, "/")
	if !dayRe.MatchString(seg) {
		return "", false
	}
	return seg, true
}

// daysNewestFirst collects the distinct date folders present in an object
// listing, most recent first.
func daysNewestFirst(userID string, objects []Object) []string {
	seen := make(map[string]bool)
	days := make([]string, 0)
	for _, obj := range objects {
		day, ok := dayOf(userID, obj.Name)
		if !ok || seen[day] {
			continue
		}
		seen[day] = true
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days
}
