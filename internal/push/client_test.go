package push

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"namingd/internal/naming"
)

func TestBuildClient(t *testing.T) {
	d := DelivererFunc(func(context.Context, naming.Snapshot) Outcome { return Delivered })

	c := BuildClient(ClientParams{
		ServiceName: "orders",
		Clusters:    " A, B ,",
		ClientID:    "c1",
		Agent:       "java-sdk/2.1",
		ClientIP:    "10.1.1.1",
		HealthyOnly: true,
	}, d)

	assert.Equal(t, naming.NewServiceKey("public", "DEFAULT_GROUP@@orders"), c.Key)
	assert.Equal(t, []string{"A", "B"}, c.Clusters)
	assert.True(t, c.HealthyOnly)
	assert.Equal(t, "java-sdk/2.1", c.Agent)
	assert.NotNil(t, c.Deliverer)

	grouped := BuildClient(ClientParams{Namespace: "dev", ServiceName: "g@@orders", GroupName: "ignored", ClientID: "c1"}, d)
	assert.Equal(t, "dev", grouped.Key.Namespace)
	assert.Equal(t, "g@@orders", grouped.Key.GroupedName)
	assert.Nil(t, grouped.Clusters)

	assert.False(t, c.Same(grouped))
	assert.True(t, c.Same(BuildClient(ClientParams{ServiceName: "orders", ClientID: "c1"}, nil)))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "transient", TransientFailure.String())
	assert.Equal(t, "permanent", PermanentFailure.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
