package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/schema"
)

// LoadResult is a loaded and compiled schema.
type LoadResult struct {
	Decl      *schema.Decl
	Schema    *schema.Schema
	FileCount int // number of source files read
}

// LoadError represents an error that occurred while loading a schema.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSchema loads and compiles a schema from a .cue, .yaml, .yml or .json
// file, or from a directory holding one CUE package. Compile errors are
// all returned; load errors stop at the first.
func LoadSchema(path string) (*LoadResult, []error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema not found: %s", path)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema: %v", err)}}
	}

	res := &LoadResult{FileCount: 1}
	if info.IsDir() {
		res.Decl, res.FileCount, err = loadCUEDir(path)
	} else {
		res.Decl, err = schema.LoadFile(path)
	}
	if err != nil {
		return nil, []error{convertLoadError(err)}
	}

	res.Schema, err = schema.Compile(res.Decl)
	if err != nil {
		if serrs := schema.Errors(err); len(serrs) > 0 {
			errs := make([]error, len(serrs))
			for i, se := range serrs {
				errs[i] = se
			}
			return res, errs
		}
		return res, []error{err}
	}
	return res, nil
}

// loadCUEDir builds the CUE package in dir.
func loadCUEDir(dir string) (*schema.Decl, int, error) {
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, 0, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, 0, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, len(files), &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, len(files), &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	decl, err := schema.LoadCUE(cuecontext.New().BuildInstance(inst))
	return decl, len(files), err
}

// FindCUEFiles returns the .cue files directly inside dir. Subdirectories
// are separate packages and are not loaded.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func convertLoadError(err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr
	}
	var cueErr *schema.CUEError
	if errors.As(err, &cueErr) {
		return &LoadError{Code: ErrCodeBuildFailed, Message: cueErr.Message, Pos: cueErr.Pos}
	}
	var se *schema.SchemaError
	if errors.As(err, &se) {
		return se
	}
	return &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
}

// Error code constants shared by all commands. Schema compile errors keep
// their own E2xx codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // Source could not be read or parsed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE evaluation failed
	ErrCodeWriteFailed = "E007" // File write error

	ErrCodeQuery     = "E300" // Query does not fit the schema
	ErrCodeQueryFile = "E301" // Query document could not be read
	ErrCodeConnect   = "E400" // Server unreachable
	ErrCodeRemote    = "E401" // Server rejected a request
	ErrCodeListen    = "E402" // Listener could not start
	ErrCodeScenario  = "E500" // Scenario could not run
)

// errorCode maps an error to its CLI code and message.
func errorCode(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var se *schema.SchemaError
	if errors.As(err, &se) {
		msg := se.Message
		switch {
		case se.Type != "" && se.Path != "":
			msg = fmt.Sprintf("%s.%s: %s", se.Type, se.Path, se.Message)
		case se.Type != "":
			msg = fmt.Sprintf("%s: %s", se.Type, se.Message)
		}
		return se.Code, msg
	}
	var qe *query.QueryError
	if errors.As(err, &qe) {
		return ErrCodeQuery, qe.Error()
	}
	return ErrCodeGeneric, err.Error()
}
