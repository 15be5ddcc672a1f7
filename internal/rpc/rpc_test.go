package rpc

import (
	"bufio"
	"context"
	"os"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatal("json codec not registered")
	}
	in := &Message{ID: "m1", Sequence: 7, CreatedAt: time.UnixMilli(1700000000000).UTC()}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Message
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.Sequence != 7 || !out.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
	if err := c.Unmarshal(nil, &out); err != nil {
		t.Errorf("empty payload: %v", err)
	}
}

type stubMessages struct{ MessageServer }

func (stubMessages) GetMessage(_ context.Context, req *GetMessageRequest) (*Message, error) {
	return &Message{ID: req.MessageID}, nil
}

func TestUnaryHandlerRunsInterceptor(t *testing.T) {
	h := unary(methodGetMessage, MessageServer.GetMessage)
	dec := func(v any) error {
		v.(*GetMessageRequest).MessageID = "m9"
		return nil
	}
	var seen string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return handler(ctx, req)
	}

	out, err := h(stubMessages{}, context.Background(), dec, interceptor)
	if err != nil {
		t.Fatal(err)
	}
	if out.(*Message).ID != "m9" {
		t.Errorf("handler returned %+v", out)
	}
	if seen != "/courier.v1.MessageService/GetMessage" {
		t.Errorf("FullMethod = %q", seen)
	}
}

func TestUserFromIncoming(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(UserIDHeader, "alice"))
	if id, ok := UserFromIncoming(ctx); !ok || id != "alice" {
		t.Errorf("UserFromIncoming() = %q, %v", id, ok)
	}
	if _, ok := UserFromIncoming(context.Background()); ok {
		t.Error("identity found without metadata")
	}

	out := WithUser(context.Background(), "bob")
	md, _ := metadata.FromOutgoingContext(out)
	if got := md.Get(UserIDHeader); len(got) != 1 || got[0] != "bob" {
		t.Errorf("outgoing metadata = %v", md)
	}
}

var (
	protoBlock = regexp.MustCompile(`^(service|message) (\w+) \{(\})?$`)
	protoRPC   = regexp.MustCompile(`^rpc (\w+)\((\w+)\) returns \((stream )?(\w+)\);$`)
	protoField = regexp.MustCompile(`^(?:repeated )?[\w.]+ (\w+) = \d+;`)
)

type protoFile struct {
	rpcs     map[string]bool                // full method name -> server streaming
	messages map[string]map[string]struct{} // message -> field names
}

func readProto(t *testing.T, path string) protoFile {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	pf := protoFile{rpcs: map[string]bool{}, messages: map[string]map[string]struct{}{}}
	var kind, name string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := protoBlock.FindStringSubmatch(line); m != nil {
			kind, name = m[1], m[2]
			if kind == "message" {
				pf.messages[name] = map[string]struct{}{}
			}
			if m[3] != "" {
				kind = ""
			}
			continue
		}
		switch {
		case line == "}":
			kind = ""
		case kind == "service":
			if m := protoRPC.FindStringSubmatch(line); m != nil {
				pf.rpcs["/courier.v1."+name+"/"+m[1]] = m[3] != ""
			}
		case kind == "message":
			if m := protoField.FindStringSubmatch(line); m != nil {
				pf.messages[name][m[1]] = struct{}{}
			}
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return pf
}

// The descriptors are maintained by hand, so they are checked against the
// published contract.
func TestDescriptorsMatchProto(t *testing.T) {
	pf := readProto(t, "../../proto/courier/v1/courier.proto")

	got := map[string]bool{}
	for _, sd := range []grpc.ServiceDesc{conversationServiceDesc, messageServiceDesc, deliveryServiceDesc} {
		for _, m := range sd.Methods {
			got["/"+sd.ServiceName+"/"+m.MethodName] = false
		}
		for _, s := range sd.Streams {
			got["/"+sd.ServiceName+"/"+s.StreamName] = s.ServerStreams
		}
	}
	if !reflect.DeepEqual(got, pf.rpcs) {
		t.Errorf("descriptors = %v\nproto = %v", got, pf.rpcs)
	}
}

func TestWireTypesMatchProto(t *testing.T) {
	pf := readProto(t, "../../proto/courier/v1/courier.proto")

	types := []any{
		Conversation{}, Member{}, Message{}, Record{}, Transition{},
		CreateIndividualRequest{}, CreateIndividualResponse{}, CreateGroupRequest{},
		MemberRequest{}, RenameRequest{}, ConversationRequest{},
		ListConversationsRequest{}, ListConversationsResponse{},
		SendMessageRequest{}, GetMessageRequest{}, ListMessagesRequest{}, ListMessagesResponse{},
		MessageStatus{}, AcknowledgeRequest{}, AcknowledgeResponse{},
		WatchInboxRequest{}, WatchRollupsRequest{}, RollupUpdate{},
	}
	if len(types) != len(pf.messages) {
		t.Errorf("%d wire types, proto declares %d messages", len(types), len(pf.messages))
	}
	for _, v := range types {
		typ := reflect.TypeOf(v)
		want, ok := pf.messages[typ.Name()]
		if !ok {
			t.Errorf("%s not declared in proto", typ.Name())
			continue
		}
		fields := map[string]struct{}{}
		for i := range typ.NumField() {
			tag, _, _ := strings.Cut(typ.Field(i).Tag.Get("json"), ",")
			fields[tag] = struct{}{}
		}
		if !reflect.DeepEqual(fields, want) {
			t.Errorf("%s json fields = %v, proto fields = %v", typ.Name(), fields, want)
		}
	}
}
