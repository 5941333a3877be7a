package bambu

import (
	"encoding/json"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// Command names understood by the printer firmware.
const (
	cmdPushAll     = "pushall"
	cmdGetVersion  = "get_version"
	cmdPause       = "pause"
	cmdResume      = "resume"
	cmdStop        = "stop"
	cmdProjectFile = "project_file"
	cmdGcodeFile   = "gcode_file"
)

// Request sections. Each command is published as {"<section>": {...}}.
const (
	sectionPrint   = "print"
	sectionPushing = "pushing"
	sectionInfo    = "info"
)

// defaultPlate is the gcode entry inside a sliced .3mf project.
const defaultPlate = "Metadata/plate_1.gcode"

// request is one command published to device/<serial>/request.
type request struct {
	section string
	body    map[string]any
}

func (r request) command() string {
	s, _ := r.body["command"].(string)
	return s
}

// encode stamps the sequence id and renders the wire payload.
func (r request) encode(seq uint64) ([]byte, error) {
	body := make(map[string]any, len(r.body)+1)
	for k, v := range r.body {
		body[k] = v
	}
	body["sequence_id"] = strconv.FormatUint(seq, 10)
	return json.Marshal(map[string]any{r.section: body})
}

func pushAllRequest() request {
	return request{section: sectionPushing, body: map[string]any{"command": cmdPushAll}}
}

func getVersionRequest() request {
	return request{section: sectionInfo, body: map[string]any{"command": cmdGetVersion}}
}

func printCommand(cmd string) request {
	return request{section: sectionPrint, body: map[string]any{"command": cmd, "param": ""}}
}

// jobRequest builds the command that starts a print.
//
// A .3mf project (given as the aux URL, or as the main URL itself) is started
// with project_file, which makes the printer download the project. A bare
// gcode location is started with gcode_file.
func jobRequest(gcodeURL, auxURL string) request {
	project := auxURL
	if project == "" && strings.EqualFold(path.Ext(urlPath(gcodeURL)), ".3mf") {
		project = gcodeURL
	}

	if project == "" {
		return request{section: sectionPrint, body: map[string]any{
			"command": cmdGcodeFile,
			"param":   gcodeURL,
		}}
	}

	name := strings.TrimSuffix(path.Base(urlPath(project)), path.Ext(urlPath(project)))
	return request{section: sectionPrint, body: map[string]any{
		"command":        cmdProjectFile,
		"param":          defaultPlate,
		"url":            project,
		"subtask_name":   name,
		"project_id":     "0",
		"profile_id":     "0",
		"task_id":        "0",
		"subtask_id":     "0",
		"md5":            "",
		"timelapse":      false,
		"bed_leveling":   true,
		"flow_cali":      false,
		"vibration_cali": true,
		"layer_inspect":  false,
		"use_ams":        false,
	}}
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
