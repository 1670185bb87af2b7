package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Job is one volume to segment.
type Job struct {
	// ID is unique per run and tags every log line of the job.
	ID string

	// Input is the NIfTI file path.
	Input string

	// Name prefixes every output file.
	Name string
}

// IsNifti reports whether path has a .nii or .nii.gz extension.
func IsNifti(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// baseName strips the directory and the NIfTI extension.
func baseName(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return base[:len(base)-len(".nii.gz")]
	case strings.HasSuffix(lower, ".nii"):
		return base[:len(base)-len(".nii")]
	}
	return base
}

// extractNumber concatenates the digits in a file name, so that sub-2 sorts
// before sub-10.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

// discover expands directories into their NIfTI files and names each job.
// Files inside a directory are ordered by their embedded number, then name.
// Duplicate names get a numeric suffix.
func discover(inputs []string) ([]Job, error) {
	var files []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in, err)
		}
		if !info.IsDir() {
			files = append(files, in)
			continue
		}

		entries, err := os.ReadDir(in)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in, err)
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && IsNifti(e.Name()) {
				found = append(found, e.Name())
			}
		}
		sort.Slice(found, func(i, j int) bool {
			numI, numJ := extractNumber(found[i]), extractNumber(found[j])
			if numI != numJ {
				return numI < numJ
			}
			return found[i] < found[j]
		})
		for _, name := range found {
			files = append(files, filepath.Join(in, name))
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no NIfTI images found in %v", inputs)
	}

	seen := make(map[string]int)
	jobs := make([]Job, len(files))
	for i, f := range files {
		name := baseName(f)
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		jobs[i] = Job{Input: f, Name: name}
	}
	return jobs, nil
}
