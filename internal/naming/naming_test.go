package naming

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupedName(t *testing.T) {
	assert.Equal(t, "grp@@svc", GroupedName("svc", "grp"))
	assert.Equal(t, "DEFAULT_GROUP@@svc", GroupedName("svc", ""))
	// 已带分组的服务名原样返回
	assert.Equal(t, "grp@@svc", GroupedName("grp@@svc", "other"))

	g, s := SplitGroupedName("grp@@svc")
	assert.Equal(t, "grp", g)
	assert.Equal(t, "svc", s)

	g, s = SplitGroupedName("svc")
	assert.Equal(t, DefaultGroup, g)
	assert.Equal(t, "svc", s)
}

func TestServiceKey(t *testing.T) {
	k := NewServiceKey("", "grp@@svc")
	assert.Equal(t, DefaultNamespace, k.Namespace)
	assert.Equal(t, "grp", k.Group())
	assert.Equal(t, "svc", k.Service())
	assert.Equal(t, "public/grp@@svc", k.String())
	assert.Equal(t, k, NewServiceKey("public", "grp@@svc"))
}

func TestParseClusters(t *testing.T) {
	assert.Nil(t, ParseClusters(""))
	assert.Nil(t, ParseClusters(" , "))
	assert.Equal(t, []string{"A", "B"}, ParseClusters("A, B,"))
	assert.Equal(t, "A,B", JoinClusters([]string{"A", "B"}))
}

func TestFormatValidator(t *testing.T) {
	v := FormatValidator{}

	require.NoError(t, v.Validate("public", "grp@@svc", []string{"DEFAULT", "zone-a_1"}))
	require.NoError(t, v.Validate("public", "grp@@svc", nil))

	cases := []struct {
		name      string
		namespace string
		service   string
		clusters  []string
	}{
		{"空命名空间", "", "grp@@svc", nil},
		{"命名空间含非法字符", "pub lic", "grp@@svc", nil},
		{"命名空间过长", strings.Repeat("n", MaxNamespaceLength+1), "grp@@svc", nil},
		{"空服务名", "public", "", nil},
		{"服务名为空段", "public", "grp@@", nil},
		{"服务名以@开头", "public", "grp@@@svc", nil},
		{"服务名重复分隔符", "public", "grp@@s@@vc", nil},
		{"服务名含控制字符", "public", "grp@@s\x01vc", nil},
		{"分组过长", "public", strings.Repeat("g", MaxGroupLength+1) + "@@svc", nil},
		{"集群含非法字符", "public", "grp@@svc", []string{"A", "B,C"}},
		{"集群为空", "public", "grp@@svc", []string{""}},
		{"集群过长", "public", "grp@@svc", []string{strings.Repeat("c", MaxClusterLength+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.namespace, tc.service, tc.clusters)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParam))
			assert.Equal(t, "INVALID_PARAM", ErrorCode(err))
		})
	}
}

func TestCheckInstance(t *testing.T) {
	ok := Instance{IP: "10.0.0.1", Port: 8080, ClusterName: DefaultCluster, Weight: 1}
	require.NoError(t, CheckInstance(ok))

	bad := []Instance{
		{IP: "", Port: 8080, ClusterName: DefaultCluster},
		{IP: "10.0.0.1", Port: 0, ClusterName: DefaultCluster},
		{IP: "10.0.0.1", Port: 70000, ClusterName: DefaultCluster},
		{IP: "10.0.0.1", Port: 80, ClusterName: DefaultCluster, Weight: -1},
		{IP: "10.0.0.1", Port: 80, ClusterName: "a b"},
	}
	for _, inst := range bad {
		assert.ErrorIs(t, CheckInstance(inst), ErrInvalidParam, inst.Key().String())
	}
}

func TestInstanceCloneAndSort(t *testing.T) {
	a := Instance{IP: "10.0.0.2", Port: 1, ClusterName: "B", Metadata: map[string]string{"k": "v"}}
	c := a.Clone()
	c.Metadata["k"] = "changed"
	assert.Equal(t, "v", a.Metadata["k"])
	assert.Equal(t, a.Key(), c.Key())

	list := []Instance{
		a,
		{IP: "10.0.0.9", Port: 2, ClusterName: "A"},
		{IP: "10.0.0.1", Port: 3, ClusterName: "B"},
	}
	SortInstances(list)
	assert.Equal(t, "A", list[0].ClusterName)
	assert.Equal(t, "10.0.0.1", list[1].IP)
	assert.Equal(t, "10.0.0.2", list[2].IP)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "OK", ErrorCode(nil))
	assert.Equal(t, "SERVICE_NOT_WRITABLE", ErrorCode(ErrServiceNotWritable))
	assert.Equal(t, "SERVER_ERROR", ErrorCode(errors.New("boom")))
}
