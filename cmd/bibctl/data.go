package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/bibsync/internal/convert"
)

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

// parseData merges a JSON object file (or "-" for stdin) with key=value
// overrides. Values that parse as JSON keep their type; "null" removes a field
// on edit. Everything else is a string.
func parseData(file string, sets []string) (map[string]any, error) {
	data := map[string]any{}
	if file != "" {
		b, err := readAll(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &data); err != nil {
			return nil, fmt.Errorf("%s: want a JSON object: %w", file, err)
		}
	}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("bad --set %q: want field=value", s)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			data[k] = parsed
		} else {
			data[k] = v
		}
	}
	return data, nil
}

func request(m map[string]any) (*structpb.Struct, error) {
	return convert.ToStruct(m)
}

func printJSON(w io.Writer, s *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func list(s *structpb.Struct, field string) []map[string]any {
	var out []map[string]any
	for _, v := range s.GetFields()[field].GetListValue().GetValues() {
		if m := v.GetStructValue(); m != nil {
			out = append(out, m.AsMap())
		}
	}
	return out
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%.0f", x)
	default:
		return fmt.Sprint(x)
	}
}

func printLibraries(w io.Writer, s *structpb.Struct) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tMODE\tCOLLECTIONS@\tITEMS@\tLAST SYNC")
	for _, l := range list(s, "libraries") {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			str(l["id"]), str(l["kind"]), str(l["name"]), str(l["mode"]),
			str(l["collectionVersion"]), str(l["itemVersion"]), str(l["lastSyncedAt"]))
	}
	return tw.Flush()
}

func printConflicts(w io.Writer, s *structpb.Struct) error {
	cs := list(s, "conflicts")
	if len(cs) == 0 {
		_, err := fmt.Fprintln(w, "no conflicts")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range cs {
		fmt.Fprintf(tw, "%s/%s\t%s\t%s\tv%s\t%s\n",
			str(c["libraryId"]), str(c["key"]), str(c["type"]), str(c["title"]), str(c["version"]), str(c["syncError"]))
		fields, _ := c["fields"].([]any)
		sort.SliceStable(fields, func(i, j int) bool {
			return str(fields[i].(map[string]any)["field"]) < str(fields[j].(map[string]any)["field"])
		})
		for _, f := range fields {
			fm := f.(map[string]any)
			fmt.Fprintf(tw, "\t  %s\tlocal: %s\tremote: %s\t\n", str(fm["field"]), str(fm["local"]), str(fm["remote"]))
		}
	}
	return tw.Flush()
}

func printResult(w io.Writer, s *structpb.Struct) error {
	m := s.AsMap()
	fmt.Fprintf(w, "success=%s fail=%s canceled=%v\n", str(m["success"]), str(m["fail"]), m["canceled"])
	for _, l := range list(s, "libraries") {
		line := fmt.Sprintf("  library %s: pushed %s ok, %s failed", str(l["libraryId"]), str(l["pushSuccess"]), str(l["pushFail"]))
		if e := str(l["error"]); e != "" {
			line += " (" + e + ")"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
