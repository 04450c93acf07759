// Package computer discovers ComputerCraft computers inside a world save and
// checks that a save directory has the expected shape.
package computer

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ComputersSubdir is where ComputerCraft keeps per-computer storage,
// relative to the save root.
const ComputersSubdir = "computercraft/computer"

// Computer is one computer storage directory in a save
type Computer struct {
	ID        string // directory name, numeric or a label such as "turtle"
	Path      string // absolute storage directory
	ShortPath string // display form: <save>/computercraft/computer/<id>
}

type requiredPath struct {
	rel string
	dir bool
}

var requiredPaths = []requiredPath{
	{rel: ComputersSubdir, dir: true},
	{rel: "level.dat"},
	{rel: "session.lock"},
}

// SaveValidation reports what is missing from a save directory
type SaveValidation struct {
	IsValid      bool
	Errors       []string
	MissingFiles []string
}

// ValidateSaveDirectory checks saveDir for the files and directories every
// ComputerCraft world save has.
func ValidateSaveDirectory(saveDir string) SaveValidation {
	result := SaveValidation{IsValid: true}

	info, err := os.Stat(saveDir)
	if err != nil {
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Save directory not found: %s", saveDir))
	} else if !info.IsDir() {
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Save path is not a directory: %s", saveDir))
	}

	for _, req := range requiredPaths {
		info, err := os.Stat(filepath.Join(saveDir, filepath.FromSlash(req.rel)))
		switch {
		case err != nil:
			kind := "file"
			if req.dir {
				kind = "directory"
			}
			result.Errors = append(result.Errors, fmt.Sprintf("Missing required %s: %s", kind, req.rel))
			result.MissingFiles = append(result.MissingFiles, req.rel)
		case req.dir && !info.IsDir():
			result.Errors = append(result.Errors, fmt.Sprintf("Expected a directory: %s", req.rel))
			result.MissingFiles = append(result.MissingFiles, req.rel)
		case !req.dir && info.IsDir():
			result.Errors = append(result.Errors, fmt.Sprintf("Expected a file: %s", req.rel))
			result.MissingFiles = append(result.MissingFiles, req.rel)
		}
	}

	if len(result.MissingFiles) > 0 {
		result.IsValid = false
	}
	return result
}

// Dir returns the directory holding all computers of a save.
func Dir(saveDir string) string {
	return filepath.Join(saveDir, filepath.FromSlash(ComputersSubdir))
}

// Discover lists the computers of a save. Hidden entries (names starting with
// ".") and plain files are skipped. The result is ordered with Sort.
func Discover(saveDir string) ([]Computer, error) {
	dir := Dir(saveDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read computers directory: %w", err)
	}

	saveName := filepath.Base(saveDir)
	computers := make([]Computer, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.IsDir() {
			continue
		}
		computers = append(computers, Computer{
			ID:        name,
			Path:      filepath.Join(dir, name),
			ShortPath: path.Join(saveName, ComputersSubdir, name),
		})
	}

	Sort(computers)
	return computers, nil
}

// Sort orders computers with numeric IDs first, numerically, followed by
// named computers in English collation order.
func Sort(computers []Computer) {
	coll := collate.New(language.English, collate.IgnoreCase)

	slices.SortStableFunc(computers, func(a, b Computer) int {
		an, aNum := numericID(a.ID)
		bn, bNum := numericID(b.ID)
		switch {
		case aNum && bNum:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			return strings.Compare(a.ID, b.ID)
		case aNum:
			return -1
		case bNum:
			return 1
		}
		if c := coll.CompareString(a.ID, b.ID); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func numericID(id string) (uint64, bool) {
	if id == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IDs returns the IDs of computers in order.
func IDs(computers []Computer) []string {
	ids := make([]string, len(computers))
	for i, c := range computers {
		ids[i] = c.ID
	}
	return ids
}

// Lookup finds a computer by ID.
func Lookup(computers []Computer, id string) (Computer, bool) {
	for _, c := range computers {
		if c.ID == id {
			return c, true
		}
	}
	return Computer{}, false
}
