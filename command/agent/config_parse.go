package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
	"github.com/mitchellh/mapstructure"

	"github.com/elastic-core-engineering/conductor/conductor/structs"
)

// LoadConfig loads the configuration at the given path, regardless of
// whether it is a file or a directory.
func LoadConfig(path string) (*structs.Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}
	return ParseConfigFile(path)
}

// LoadConfigDir loads every config file under the directory, processing
// them in lexicographic order so later files override earlier ones. Only
// files ending in .hcl or .json are considered.
func LoadConfigDir(dir string) (*structs.Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading config directory %q: %v", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if strings.HasSuffix(name, ".hcl") || strings.HasSuffix(name, ".json") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	config := &structs.Config{}
	for _, file := range files {
		fileConfig, err := ParseConfigFile(file)
		if err != nil {
			return nil, fmt.Errorf("error loading %q: %v", file, err)
		}
		config = config.Merge(fileConfig)
	}

	return config, nil
}

// ParseConfigFile parses the given path as a config file.
func ParseConfigFile(path string) (*structs.Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config, err := ParseConfig(f)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// ParseConfig parses the config from the given io.Reader.
func ParseConfig(r io.Reader) (*structs.Config, error) {

	// Copy the reader into an in-memory buffer first since HCL requires it.
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}

	// Parse the buffer
	root, err := hcl.Parse(buf.String())
	if err != nil {
		return nil, fmt.Errorf("error parsing: %s", err)
	}
	buf.Reset()

	// The top-level item should be a list.
	list, ok := root.Node.(*ast.ObjectList)
	if !ok {
		return nil, fmt.Errorf("error parsing: root should be an object")
	}

	var config structs.Config
	if err := parseConfig(&config, list); err != nil {
		return nil, fmt.Errorf("error parsing 'config': %v", err)
	}

	return &config, nil
}

func parseConfig(result *structs.Config, list *ast.ObjectList) error {

	// Check for invalid keys
	valid := []string{
		"nomad",
		"consul",
		"consul_key_root",
		"consul_token",
		"log_level",
		"job_name",
		"namespace",
		"engine",
		"distribution_strategy",
		"relaunch_on_worker_failure",
		"ps_is_critical",
		"ps_relaunch_max_num",
		"wait_pending_relaunch",
		"use_ddp",
		"job_resource",
		"telemetry",
		"notification",
	}
	if err := checkHCLKeys(list, valid); err != nil {
		return multierror.Prefix(err, "config:")
	}

	// Decode the full thing into a map[string]interface, removing the
	// nested blocks before continuing to decode the remaining
	// configuration.
	var m map[string]interface{}
	if err := hcl.DecodeObject(&m, list); err != nil {
		return err
	}

	delete(m, "job_resource")
	delete(m, "telemetry")
	delete(m, "notification")

	if err := mapstructure.WeakDecode(m, result); err != nil {
		return err
	}

	// Parse the job_resource block.
	if o := list.Filter("job_resource"); len(o.Items) > 0 {
		if err := parseJobResource(result, o); err != nil {
			return multierror.Prefix(err, "job_resource ->")
		}
	}

	// Parse the telemetry block.
	if o := list.Filter("telemetry"); len(o.Items) > 0 {
		if err := parseTelemetry(result, o); err != nil {
			return multierror.Prefix(err, "telemetry ->")
		}
	}

	// Parse the notification block.
	if o := list.Filter("notification"); len(o.Items) > 0 {
		if err := parseNotification(result, o); err != nil {
			return multierror.Prefix(err, "notification ->")
		}
	}

	return nil
}

func parseJobResource(result *structs.Config, list *ast.ObjectList) error {
	// Groups are either nested blocks (job_resource { ps { ... } }) or
	// labelled blocks (job_resource "ps" { ... }).
	var groups []*ast.ObjectItem
	for _, item := range list.Items {
		if obj, ok := item.Val.(*ast.ObjectType); ok && len(item.Keys) == 0 {
			groups = append(groups, obj.List.Items...)
		} else {
			groups = append(groups, item)
		}
	}
	if len(groups) == 0 {
		return nil
	}

	jobResource := make(map[string]*structs.NodeGroupConfig)

	for _, item := range groups {
		if len(item.Keys) == 0 {
			return fmt.Errorf("each group requires a node type key")
		}
		nodeType := item.Keys[0].Token.Value().(string)

		valid := []string{
			"count",
			"cpu",
			"memory_mb",
			"priority",
		}
		if err := checkHCLKeys(item.Val, valid); err != nil {
			return multierror.Prefix(err, nodeType+":")
		}

		var m map[string]interface{}
		if err := hcl.DecodeObject(&m, item.Val); err != nil {
			return err
		}

		var group structs.NodeGroupConfig
		if err := mapstructure.WeakDecode(m, &group); err != nil {
			return err
		}
		jobResource[nodeType] = &group
	}

	result.JobResource = jobResource
	return nil
}

func parseTelemetry(result *structs.Config, list *ast.ObjectList) error {
	if len(list.Items) > 1 {
		return fmt.Errorf("only one \"telemetry\" block allowed")
	}

	// Get our one item
	listVal := list.Items[0].Val

	valid := []string{
		"statsd_address",
	}
	if err := checkHCLKeys(listVal, valid); err != nil {
		return err
	}

	var m map[string]interface{}
	if err := hcl.DecodeObject(&m, listVal); err != nil {
		return err
	}

	var telemetry structs.Telemetry
	if err := mapstructure.WeakDecode(m, &telemetry); err != nil {
		return err
	}
	result.Telemetry = &telemetry

	return nil
}

func parseNotification(result *structs.Config, list *ast.ObjectList) error {
	if len(list.Items) > 1 {
		return fmt.Errorf("only one \"notification\" block allowed")
	}

	// Get our one item
	listVal := list.Items[0].Val

	valid := []string{
		"cluster_identifier",
		"pagerduty_service_key",
		"opsgenie_api_key",
	}
	if err := checkHCLKeys(listVal, valid); err != nil {
		return err
	}

	var m map[string]interface{}
	if err := hcl.DecodeObject(&m, listVal); err != nil {
		return err
	}

	var notification structs.Notification
	if err := mapstructure.WeakDecode(m, &notification); err != nil {
		return err
	}
	result.Notification = &notification

	return nil
}

func checkHCLKeys(node ast.Node, valid []string) error {
	var list *ast.ObjectList
	switch n := node.(type) {
	case *ast.ObjectList:
		list = n
	case *ast.ObjectType:
		list = n.List
	default:
		return fmt.Errorf("cannot check HCL keys of type %T", n)
	}

	validMap := make(map[string]struct{}, len(valid))
	for _, v := range valid {
		validMap[v] = struct{}{}
	}

	var result error
	for _, item := range list.Items {
		key := item.Keys[0].Token.Value().(string)
		if _, ok := validMap[key]; !ok {
			result = multierror.Append(result, fmt.Errorf(
				"invalid key: %s", key))
		}
	}

	return result
}
