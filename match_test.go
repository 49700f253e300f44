package dbus

import "testing"

func sigMsg(sender, path, iface, member string, body ...Value) *Message {
	return &Message{
		Header: Header{
			Type:      TypeSignal,
			Sender:    sender,
			Path:      ObjectPath(path),
			Interface: iface,
			Member:    member,
		},
		Body: body,
	}
}

func TestMatchFilterString(t *testing.T) {
	tests := []struct {
		name string
		m    *Match
		want string
	}{
		{
			name: "empty",
			m:    NewMatch(),
			want: "type='signal'",
		},
		{
			name: "signal",
			m:    NewMatch().Signal("org.test", "Changed"),
			want: "type='signal',interface='org.test',member='Changed'",
		},
		{
			name: "object prefix",
			m:    NewMatch().ObjectPrefix("/test/gopher"),
			want: "type='signal',path_namespace='/test/gopher'",
		},
		{
			name: "arg str and namespace",
			m:    NewMatch().ArgStr(0, "hello").Arg0Namespace("org.test"),
			want: "type='signal',arg0='hello',arg0namespace='org.test'",
		},
		{
			name: "escapes quotes",
			m:    NewMatch().ArgStr(0, "it's"),
			want: `type='signal',arg0='it'\''s'`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.filterString(); got != tc.want {
				t.Errorf("filterString() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMatchMatches(t *testing.T) {
	tests := []struct {
		name string
		m    *Match
		msg  *Message
		want bool
	}{
		{
			name: "matches all by default",
			m:    NewMatch(),
			msg:  sigMsg(":1.1", "/test", "org.test", "Signal"),
			want: true,
		},
		{
			name: "interface and member mismatch",
			m:    NewMatch().Signal("org.test", "Signal"),
			msg:  sigMsg(":1.1", "/test", "org.test", "Other"),
			want: false,
		},
		{
			name: "object prefix matches descendant",
			m:    NewMatch().ObjectPrefix("/mascots/gopher"),
			msg:  sigMsg(":1.1", "/mascots/gopher/plushie", "org.test", "Signal"),
			want: true,
		},
		{
			name: "object prefix rejects sibling",
			m:    NewMatch().ObjectPrefix("/mascots/gopher"),
			msg:  sigMsg(":1.1", "/mascots/glenda", "org.test", "Signal"),
			want: false,
		},
		{
			name: "arg str matches",
			m:    NewMatch().ArgStr(0, "org.test.Foo"),
			msg:  sigMsg(":1.1", "/test", "org.test", "Signal", NewString("org.test.Foo")),
			want: true,
		},
		{
			name: "arg str index out of range",
			m:    NewMatch().ArgStr(1, "missing"),
			msg:  sigMsg(":1.1", "/test", "org.test", "Signal", NewString("only one")),
			want: false,
		},
		{
			name: "arg0 namespace matches prefix",
			m:    NewMatch().Arg0Namespace("org.test"),
			msg:  sigMsg(":1.1", "/test", "org.test", "Signal", NewString("org.test.Foo")),
			want: true,
		},
		{
			name: "arg0 namespace rejects non-prefix",
			m:    NewMatch().Arg0Namespace("org.test"),
			msg:  sigMsg(":1.1", "/test", "org.test", "Signal", NewString("org.other.Foo")),
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.matches(tc.msg); got != tc.want {
				t.Errorf("matches() = %v, want %v", got, tc.want)
			}
		})
	}
}
