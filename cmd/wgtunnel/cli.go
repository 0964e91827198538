package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// tunnelClient is the part of ipc.Client the commands use.
type tunnelClient interface {
	Connect(ctx context.Context, profile string) (*structpb.Struct, error)
	Disconnect(ctx context.Context) (*structpb.Struct, error)
	Status(ctx context.Context) (*structpb.Struct, error)
	RegenerateKey(ctx context.Context) (string, error)
	ListProfiles(ctx context.Context) (*structpb.Struct, error)
	ImportProfile(ctx context.Context, name, text string) (*structpb.Struct, error)
	Watch(ctx context.Context, fn func(*structpb.Struct) error) error
}

type cli struct {
	client tunnelClient
	out    io.Writer
	json   bool
}

var errUsage = errors.New("invalid arguments, see wgtunnel -h")

func (c *cli) run(ctx context.Context, args []string) error {
	switch args[0] {
	case "connect":
		if len(args) != 2 {
			return errUsage
		}
		return c.print(c.client.Connect(ctx, args[1]))
	case "disconnect":
		return c.print(c.client.Disconnect(ctx))
	case "status":
		return c.print(c.client.Status(ctx))
	case "profiles":
		return c.profiles(ctx)
	case "import":
		var name, path string
		switch len(args) {
		case 2:
			path = args[1]
			name = defaultImportName(path)
		case 3:
			name, path = args[1], args[2]
		default:
			return errUsage
		}
		text, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return c.print(c.client.ImportProfile(ctx, name, string(text)))
	case "regenerate-key":
		pub, err := c.client.RegenerateKey(ctx)
		if err != nil {
			return err
		}
		if c.json {
			return c.print(structpb.NewStruct(map[string]any{"public_key": pub}))
		}
		fmt.Fprintf(c.out, "public_key: %s\n", pub)
		return nil
	case "watch":
		err := c.client.Watch(ctx, func(m *structpb.Struct) error {
			if c.json {
				return c.print(m, nil)
			}
			fmt.Fprintln(c.out, eventLine(m))
			return nil
		})
		if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *cli) profiles(ctx context.Context) error {
	list, err := c.client.ListProfiles(ctx)
	if err != nil || c.json {
		return c.print(list, err)
	}
	active := list.GetFields()["active"].GetStringValue()
	for _, v := range list.GetFields()["profiles"].GetListValue().GetValues() {
		p := v.GetStructValue().GetFields()
		name := p["name"].GetStringValue()
		mark := " "
		if name == active {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s %-20s %s\n", mark, name, p["endpoint"].GetStringValue())
	}
	return nil
}

// print writes s, or returns err unchanged. Shaped to take a client call's
// results directly.
func (c *cli) print(s *structpb.Struct, err error) error {
	if err != nil {
		return err
	}
	if c.json {
		b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.out, string(b))
		return err
	}
	writeStruct(c.out, s, "")
	return nil
}

func writeStruct(w io.Writer, s *structpb.Struct, indent string) {
	fields := s.GetFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		switch kind := v.GetKind().(type) {
		case *structpb.Value_StructValue:
			fmt.Fprintf(w, "%s%s:\n", indent, k)
			writeStruct(w, kind.StructValue, indent+"  ")
		case *structpb.Value_ListValue:
			if nested := structItems(kind.ListValue); nested != nil {
				for i, item := range nested {
					fmt.Fprintf(w, "%s%s[%d]:\n", indent, k, i)
					writeStruct(w, item, indent+"  ")
				}
				continue
			}
			fmt.Fprintf(w, "%s%s: %s\n", indent, k, scalar(v))
		default:
			fmt.Fprintf(w, "%s%s: %s\n", indent, k, scalar(v))
		}
	}
}

// structItems returns the items of l when every one of them is a struct.
func structItems(l *structpb.ListValue) []*structpb.Struct {
	vals := l.GetValues()
	if len(vals) == 0 {
		return nil
	}
	out := make([]*structpb.Struct, 0, len(vals))
	for _, v := range vals {
		sv := v.GetStructValue()
		if sv == nil {
			return nil
		}
		out = append(out, sv)
	}
	return out
}

func scalar(v *structpb.Value) string {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue
	case *structpb.Value_BoolValue:
		return fmt.Sprint(kind.BoolValue)
	case *structpb.Value_NumberValue:
		return fmt.Sprintf("%.0f", kind.NumberValue)
	case *structpb.Value_ListValue:
		parts := make([]string, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			parts = append(parts, scalar(item))
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// eventLine renders one Watch message on a single line.
func eventLine(m *structpb.Struct) string {
	f := m.GetFields()
	switch f["event"].GetStringValue() {
	case "state_changed":
		line := fmt.Sprintf("state %s -> %s", f["old_state"].GetStringValue(), f["state"].GetStringValue())
		if p := f["profile"].GetStringValue(); p != "" {
			line += " (" + p + ")"
		}
		if e := f["error"].GetStringValue(); e != "" {
			line += ": " + e
		}
		return line
	case "handshake_stale":
		return fmt.Sprintf("handshake stale on %s for %s", f["interface"].GetStringValue(), f["age"].GetStringValue())
	default:
		return "state " + f["state"].GetStringValue()
	}
}

// defaultImportName derives a profile name from a .conf path.
func defaultImportName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
