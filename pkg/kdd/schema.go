// Package kdd defines the KDD Cup 99 connection schema, raw connection
// records and the record-level error taxonomy shared by the pipeline and
// its callers.
package kdd

// Feature names of the 41-column KDD Cup 99 schema, in dataset order.
const (
	FieldDuration     = "duration"
	FieldProtocolType = "protocol_type"
	FieldService      = "service"
	FieldFlag         = "flag"
	FieldSrcBytes     = "src_bytes"
	FieldDstBytes     = "dst_bytes"
	FieldDstHostCount = "dst_host_count"
)

// FieldLabel is the ground-truth column of the dataset. It is never a
// model input.
const FieldLabel = "label"

// FeatureNames is the full KDD Cup 99 feature schema in dataset order.
var FeatureNames = []string{
	FieldDuration,
	FieldProtocolType,
	FieldService,
	FieldFlag,
	FieldSrcBytes,
	FieldDstBytes,
	"land",
	"wrong_fragment",
	"urgent",
	"hot",
	"num_failed_logins",
	"logged_in",
	"num_compromised",
	"root_shell",
	"su_attempted",
	"num_root",
	"num_file_creations",
	"num_shells",
	"num_access_files",
	"num_outbound_cmds",
	"is_host_login",
	"is_guest_login",
	"count",
	"srv_count",
	"serror_rate",
	"srv_serror_rate",
	"rerror_rate",
	"srv_rerror_rate",
	"same_srv_rate",
	"diff_srv_rate",
	"srv_diff_host_rate",
	FieldDstHostCount,
	"dst_host_srv_count",
	"dst_host_same_srv_rate",
	"dst_host_diff_srv_rate",
	"dst_host_same_src_port_rate",
	"dst_host_srv_diff_host_rate",
	"dst_host_serror_rate",
	"dst_host_srv_serror_rate",
	"dst_host_rerror_rate",
	"dst_host_srv_rerror_rate",
}

// CategoricalFields are the schema fields carrying category names rather
// than numbers.
var CategoricalFields = []string{FieldProtocolType, FieldService, FieldFlag}

// ProtocolCodes is the fixed protocol_type encoding. It is not learned:
// every artifact bundle must agree with it.
var ProtocolCodes = map[string]int{
	"tcp":  0,
	"udp":  1,
	"icmp": 2,
}

// IsCategorical reports whether name is a categorical schema field.
func IsCategorical(name string) bool {
	for _, f := range CategoricalFields {
		if f == name {
			return true
		}
	}
	return false
}
